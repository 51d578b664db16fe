package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// CollapseWhitespace trims the string and squashes every internal
// whitespace run into a single space. Free-text fields are compared in
// this form so that incidental reformatting on the source site does not
// show up as a content change.
func CollapseWhitespace(s string) string {
	s = strings.TrimSpace(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// NormalizeKey lowercases and strips all whitespace. Identity derivation
// runs raw site text through this so the same listing keeps the same key
// even when casing or spacing drifts between runs.
func NormalizeKey(s string) string {
	s = strings.ToLower(s)
	s = strings.Trim(s, " \n\t")
	return whitespaceRegex.ReplaceAllString(s, "")
}

func MatchName(name string, matchers []string) bool {
	name = NormalizeKey(name)
	for _, m := range matchers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

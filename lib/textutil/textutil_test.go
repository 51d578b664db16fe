package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollapseWhitespace(t *testing.T) {
	cases := []struct {
		in     string
		expect string
	}{
		{in: "Intro  Swim", expect: "Intro Swim"},
		{in: "  Intro\tSwim \n", expect: "Intro Swim"},
		{in: "Mon, Wed\n9:00 AM -\n10:00 AM", expect: "Mon, Wed 9:00 AM - 10:00 AM"},
		{in: "", expect: ""},
	}
	for _, test := range cases {
		require.Equal(t, test.expect, CollapseWhitespace(test.in))
	}
}

func TestNormalizeKey(t *testing.T) {
	require.Equal(t, NormalizeKey("Course 00369211"), NormalizeKey(" course  00369211\n"))
	require.Equal(t, "course00369211", NormalizeKey("Course 00369211"))
}

func TestMatchName(t *testing.T) {
	require.True(t, MatchName("Youth Programs", []string{"youth"}))
	require.False(t, MatchName("Adult Programs", []string{"youth"}))
}

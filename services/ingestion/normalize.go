package ingestion

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/textutil"
	"kidsactivity-backend/services/catalog"
)

// Prices above this are assumed to be extraction garbage (a phone
// number, a date) rather than a fee. Providers can tighten it.
const defaultMaxCostCents = 500_000

// NormalizeError marks a record whose text could not be coerced into
// the canonical shape. Never retryable; the item is skipped and logged.
type NormalizeError struct {
	Field string
	Err   error
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize %s: %v", e.Field, e.Err)
}

func (e *NormalizeError) Unwrap() error {
	return e.Err
}

func normalizeErr(field string, format string, args ...any) error {
	return &NormalizeError{Field: field, Err: fmt.Errorf(format, args...)}
}

// statusText maps the button/label text providers render to a
// registration status. Matching is case-insensitive on collapsed
// whitespace; anything unmapped becomes Unknown rather than being
// dropped.
var statusText = map[string]catalog.RegistrationStatus{
	"sign up":             catalog.StatusOpen,
	"register":            catalog.StatusOpen,
	"register now":        catalog.StatusOpen,
	"open":                catalog.StatusOpen,
	"waitlist":            catalog.StatusWaitlist,
	"join waitlist":       catalog.StatusWaitlist,
	"wait list":           catalog.StatusWaitlist,
	"closed":              catalog.StatusClosed,
	"full":                catalog.StatusClosed,
	"sold out":            catalog.StatusClosed,
	"registration closed": catalog.StatusClosed,
}

// Normalize coerces one raw record into a canonical activity under the
// provider's declared rules. Pure: same record and config always yield
// the same activity, which is what keeps identities stable across runs.
func Normalize(raw extractor.RawListingRecord, provider ProviderConfig, observedAt time.Time) (catalog.Activity, error) {
	raw = applyFieldMappings(raw, provider.FieldMappings)

	name := textutil.CollapseWhitespace(raw.Name)
	if name == "" {
		return catalog.Activity{}, normalizeErr("name", "empty")
	}

	externalID, err := deriveIdentity(raw, provider)
	if err != nil {
		return catalog.Activity{}, err
	}

	costCents, err := parseCostCents(raw.PriceText, provider)
	if err != nil {
		return catalog.Activity{}, err
	}

	ageMin, ageMax, err := parseAgeRange(raw.AgeText)
	if err != nil {
		return catalog.Activity{}, err
	}

	sessions, err := parseSessions(raw, provider)
	if err != nil {
		return catalog.Activity{}, err
	}

	category := textutil.CollapseWhitespace(raw.Extra["category"])
	if category == "" {
		category = provider.DefaultCategory
	}

	scheduleText := textutil.CollapseWhitespace(
		strings.TrimSpace(raw.DateText + " " + raw.TimeText),
	)

	return catalog.Activity{
		ProviderID:   provider.ID,
		ExternalID:   externalID,
		Name:         name,
		Category:     category,
		CostCents:    costCents,
		AgeMin:       ageMin,
		AgeMax:       ageMax,
		ScheduleText: scheduleText,
		Sessions:     sessions,
		Status:       parseStatus(raw.StatusText),
		LocationRef:  textutil.CollapseWhitespace(raw.LocationText),
		DetailUrl:    raw.DetailURL,
		IsActive:     true,
		LastSeenAt:   observedAt,
		UpdatedAt:    observedAt,
	}, nil
}

func applyFieldMappings(raw extractor.RawListingRecord, mappings map[string]string) extractor.RawListingRecord {
	for extraKey, slot := range mappings {
		value, ok := raw.Extra[extraKey]
		if !ok || value == "" {
			continue
		}
		switch slot {
		case "name":
			raw.Name = value
		case "price":
			raw.PriceText = value
		case "age":
			raw.AgeText = value
		case "status":
			raw.StatusText = value
		case "schedule":
			raw.DateText = value
		case "time":
			raw.TimeText = value
		case "location":
			raw.LocationText = value
		case "externalId":
			raw.ExternalID = value
		}
	}
	return raw
}

// deriveIdentity applies the provider's single declared strategy. The
// result is normalized so incidental whitespace or casing on the page
// never forks a listing into a second identity.
func deriveIdentity(raw extractor.RawListingRecord, provider ProviderConfig) (string, error) {
	switch provider.IdentityStrategy {
	case IdentityCourseCode:
		code := textutil.NormalizeKey(raw.ExternalID)
		if code == "" {
			return "", normalizeErr("externalId", "no course code on listing %q", raw.Name)
		}
		return code, nil

	case IdentityUrlToken:
		if raw.DetailURL == "" {
			return "", normalizeErr("externalId", "no detail url on listing %q", raw.Name)
		}
		parsed, err := url.Parse(raw.DetailURL)
		if err != nil {
			return "", normalizeErr("externalId", "bad detail url %q: %v", raw.DetailURL, err)
		}
		segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
		token := textutil.NormalizeKey(segments[len(segments)-1])
		if token == "" {
			return "", normalizeErr("externalId", "detail url %q has no path token", raw.DetailURL)
		}
		return token, nil

	default:
		return "", normalizeErr("externalId", "unknown identity strategy %q", provider.IdentityStrategy)
	}
}

func parseCostCents(text string, provider ProviderConfig) (int64, error) {
	cleaned := strings.ToLower(textutil.CollapseWhitespace(text))
	if cleaned == "" || cleaned == "free" {
		return 0, nil
	}

	cleaned = strings.TrimPrefix(cleaned, "from")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	// "$53.75 / 8 sessions" and similar suffixes
	if i := strings.IndexAny(cleaned, " /"); i >= 0 {
		cleaned = cleaned[:i]
	}

	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, normalizeErr("cost", "unparseable price %q", text)
	}
	if amount < 0 {
		return 0, normalizeErr("cost", "negative price %q", text)
	}

	cents := int64(amount*100 + 0.5)
	maxCents := provider.MaxCostCents
	if maxCents <= 0 {
		maxCents = defaultMaxCostCents
	}
	if cents > maxCents {
		return 0, normalizeErr("cost", "price %q above limit", text)
	}
	return cents, nil
}

// parseAgeRange understands the range shapes the platforms render:
// "6-8yrs", "6 - 8 yrs", "13+", "Under 5", "All Ages". Empty and
// all-ages text yield an open range.
func parseAgeRange(text string) (*int, *int, error) {
	cleaned := strings.ToLower(textutil.CollapseWhitespace(text))
	if cleaned == "" || strings.Contains(cleaned, "all ages") {
		return nil, nil, nil
	}

	for _, suffix := range []string{"yrs", "yr", "years", "year"} {
		cleaned = strings.TrimSuffix(cleaned, suffix)
	}
	cleaned = strings.TrimSpace(cleaned)

	if rest, ok := strings.CutPrefix(cleaned, "under "); ok {
		max, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return nil, nil, normalizeErr("age", "unparseable age %q", text)
		}
		return nil, &max, nil
	}
	if rest, ok := strings.CutSuffix(cleaned, "+"); ok {
		min, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return nil, nil, normalizeErr("age", "unparseable age %q", text)
		}
		return &min, nil, nil
	}

	low, high, found := strings.Cut(cleaned, "-")
	if !found {
		single, err := strconv.Atoi(cleaned)
		if err != nil {
			return nil, nil, normalizeErr("age", "unparseable age %q", text)
		}
		return &single, &single, nil
	}

	min, err := strconv.Atoi(strings.TrimSpace(low))
	if err != nil {
		return nil, nil, normalizeErr("age", "unparseable age %q", text)
	}
	max, err := strconv.Atoi(strings.TrimSpace(high))
	if err != nil {
		return nil, nil, normalizeErr("age", "unparseable age %q", text)
	}
	if min > max {
		return nil, nil, normalizeErr("age", "inverted age range %q", text)
	}
	return &min, &max, nil
}

func parseStatus(text string) catalog.RegistrationStatus {
	cleaned := strings.ToLower(textutil.CollapseWhitespace(text))
	if status, ok := statusText[cleaned]; ok {
		return status
	}
	// longer labels like "Closed for the season" still carry the verdict
	switch {
	case textutil.MatchName(cleaned, []string{"waitlist"}):
		return catalog.StatusWaitlist
	case textutil.MatchName(cleaned, []string{"closed", "soldout"}):
		return catalog.StatusClosed
	}
	return catalog.StatusUnknown
}

// parseSessions builds structured sessions from the date and time text
// when the provider declares date layouts. Without layouts only the
// free-text schedule survives, which is still diffable.
func parseSessions(raw extractor.RawListingRecord, provider ProviderConfig) ([]catalog.SessionSlot, error) {
	dateText := textutil.CollapseWhitespace(raw.DateText)
	if dateText == "" || len(provider.DateLayouts) == 0 {
		return nil, nil
	}

	startTime, endTime, err := parseTimeRange(raw.TimeText)
	if err != nil {
		return nil, err
	}

	var sessions []catalog.SessionSlot
	for _, part := range strings.Split(dateText, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		date, ok := parseDate(part, provider.DateLayouts)
		if !ok {
			return nil, normalizeErr("date", "no layout matches %q", part)
		}
		sessions = append(sessions, catalog.SessionSlot{
			Date:      date,
			StartTime: startTime,
			EndTime:   endTime,
			Location:  textutil.CollapseWhitespace(raw.LocationText),
		})
	}
	return sessions, nil
}

func parseDate(text string, layouts []string) (string, bool) {
	for _, layout := range layouts {
		parsed, err := time.Parse(layout, text)
		if err == nil {
			return parsed.Format("2006-01-02"), true
		}
	}
	return "", false
}

func parseTimeRange(text string) (string, string, error) {
	cleaned := textutil.CollapseWhitespace(text)
	if cleaned == "" {
		return "", "", nil
	}

	low, high, found := strings.Cut(cleaned, "-")
	if !found {
		start, err := parseClock(cleaned)
		if err != nil {
			return "", "", err
		}
		return start, "", nil
	}

	start, err := parseClock(strings.TrimSpace(low))
	if err != nil {
		return "", "", err
	}
	end, err := parseClock(strings.TrimSpace(high))
	if err != nil {
		return "", "", err
	}
	return start, end, nil
}

func parseClock(text string) (string, error) {
	for _, layout := range []string{"3:04 PM", "3:04PM", "3:04 pm", "3:04pm", "15:04"} {
		parsed, err := time.Parse(layout, text)
		if err == nil {
			return parsed.Format("15:04"), nil
		}
	}
	return "", normalizeErr("time", "unparseable time %q", text)
}

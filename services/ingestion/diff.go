package ingestion

import (
	"fmt"
	"strings"

	"kidsactivity-backend/lib/textutil"
	"kidsactivity-backend/services/catalog"
)

// ChangeKind classifies one comparison of an incoming observation
// against what the catalog already holds for the same identity.
type ChangeKind int

const (
	ChangeUnchanged ChangeKind = iota
	ChangeCreated
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unchanged"
	}
}

// FieldChange is one allow-listed field that materially differs.
type FieldChange struct {
	Old string
	New string
}

type ChangeSet struct {
	Kind ChangeKind
	// populated for ChangeUpdated only, keyed by field name
	Fields map[string]FieldChange
}

// Diff compares an incoming activity against the persisted version
// sharing its identity key. Only the allow-listed fields count: cost is
// compared in cents, free text after whitespace collapsing, so a page
// reformatting its markup does not read as a content change.
func Diff(incoming catalog.Activity, existing *catalog.Activity) ChangeSet {
	if existing == nil {
		return ChangeSet{Kind: ChangeCreated}
	}

	fields := map[string]FieldChange{}

	compareText(fields, "name", existing.Name, incoming.Name)
	compareText(fields, "schedule", existing.ScheduleText, incoming.ScheduleText)
	compareText(fields, "location", existing.LocationRef, incoming.LocationRef)

	if existing.CostCents != incoming.CostCents {
		fields["cost"] = FieldChange{
			Old: formatCents(existing.CostCents),
			New: formatCents(incoming.CostCents),
		}
	}
	if existing.Status != incoming.Status {
		fields["registrationStatus"] = FieldChange{
			Old: string(existing.Status),
			New: string(incoming.Status),
		}
	}
	if oldRange, newRange := formatAges(existing), formatAges(&incoming); oldRange != newRange {
		fields["ageRange"] = FieldChange{Old: oldRange, New: newRange}
	}
	if oldSessions, newSessions := formatSessions(existing.Sessions), formatSessions(incoming.Sessions); oldSessions != newSessions {
		fields["sessions"] = FieldChange{Old: oldSessions, New: newSessions}
	}

	if len(fields) == 0 {
		return ChangeSet{Kind: ChangeUnchanged}
	}
	return ChangeSet{Kind: ChangeUpdated, Fields: fields}
}

func compareText(fields map[string]FieldChange, name string, oldText string, newText string) {
	oldNorm := textutil.CollapseWhitespace(oldText)
	newNorm := textutil.CollapseWhitespace(newText)
	if oldNorm != newNorm {
		fields[name] = FieldChange{Old: oldNorm, New: newNorm}
	}
}

func formatCents(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func formatAges(a *catalog.Activity) string {
	format := func(v *int) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprint(*v)
	}
	return format(a.AgeMin) + ".." + format(a.AgeMax)
}

func formatSessions(sessions []catalog.SessionSlot) string {
	if len(sessions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(sessions))
	for _, s := range sessions {
		parts = append(parts, strings.Join(
			[]string{s.Date, s.StartTime, s.EndTime, textutil.CollapseWhitespace(s.Location)}, " ",
		))
	}
	return strings.Join(parts, "; ")
}

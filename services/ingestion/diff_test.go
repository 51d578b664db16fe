package ingestion

import (
	"testing"
	"time"

	"kidsactivity-backend/services/catalog"

	"github.com/stretchr/testify/require"
)

func swimActivity() catalog.Activity {
	six, eight := 6, 8
	return catalog.Activity{
		ProviderID:   "r1",
		ExternalID:   "00369211",
		Name:         "Intro Swim",
		CostCents:    5375,
		AgeMin:       &six,
		AgeMax:       &eight,
		ScheduleText: "Mon, Wed 9:00 AM - 10:00 AM",
		Status:       catalog.StatusOpen,
		LocationRef:  "Harry Jerome CC",
	}
}

func TestDiffCreated(t *testing.T) {
	changes := Diff(swimActivity(), nil)
	require.Equal(t, ChangeCreated, changes.Kind)
	require.Empty(t, changes.Fields)
}

func TestDiffUnchanged(t *testing.T) {
	existing := swimActivity()
	incoming := swimActivity()
	// lastSeenAt never participates in the comparison
	incoming.LastSeenAt = time.Now()

	changes := Diff(incoming, &existing)
	require.Equal(t, ChangeUnchanged, changes.Kind)
}

func TestDiffCostOnlyChange(t *testing.T) {
	existing := swimActivity()
	incoming := swimActivity()
	incoming.CostCents = 5800

	changes := Diff(incoming, &existing)
	require.Equal(t, ChangeUpdated, changes.Kind)
	require.Len(t, changes.Fields, 1)
	require.Equal(t, FieldChange{Old: "53.75", New: "58.00"}, changes.Fields["cost"])
}

func TestDiffStatusChange(t *testing.T) {
	existing := swimActivity()
	incoming := swimActivity()
	incoming.Status = catalog.StatusClosed

	changes := Diff(incoming, &existing)
	require.Equal(t, ChangeUpdated, changes.Kind)
	require.Len(t, changes.Fields, 1)
	require.Contains(t, changes.Fields, "registrationStatus")
	require.Equal(t, "Closed", changes.Fields["registrationStatus"].New)
}

func TestDiffIgnoresFormattingNoise(t *testing.T) {
	existing := swimActivity()
	incoming := swimActivity()
	incoming.ScheduleText = "Mon,  Wed   9:00 AM - 10:00 AM"
	incoming.LocationRef = " Harry Jerome CC "

	changes := Diff(incoming, &existing)
	require.Equal(t, ChangeUnchanged, changes.Kind)
}

func TestDiffAgeRange(t *testing.T) {
	existing := swimActivity()
	incoming := swimActivity()
	nine := 9
	incoming.AgeMax = &nine

	changes := Diff(incoming, &existing)
	require.Equal(t, ChangeUpdated, changes.Kind)
	require.Equal(t, FieldChange{Old: "6..8", New: "6..9"}, changes.Fields["ageRange"])

	incoming.AgeMin = nil
	incoming.AgeMax = nil
	changes = Diff(incoming, &existing)
	require.Equal(t, "-..-", changes.Fields["ageRange"].New)
}

func TestDiffSessions(t *testing.T) {
	existing := swimActivity()
	existing.Sessions = []catalog.SessionSlot{
		{Date: "2026-01-06", StartTime: "09:00", EndTime: "10:00", Location: "Harry Jerome CC"},
	}
	incoming := swimActivity()
	incoming.Sessions = []catalog.SessionSlot{
		{Date: "2026-01-06", StartTime: "09:00", EndTime: "10:00", Location: "Harry Jerome CC"},
		{Date: "2026-01-13", StartTime: "09:00", EndTime: "10:00", Location: "Harry Jerome CC"},
	}

	changes := Diff(incoming, &existing)
	require.Equal(t, ChangeUpdated, changes.Kind)
	require.Contains(t, changes.Fields, "sessions")
}

func TestDiffMultipleFields(t *testing.T) {
	existing := swimActivity()
	incoming := swimActivity()
	incoming.Name = "Intro Swim Level 2"
	incoming.CostCents = 6000

	changes := Diff(incoming, &existing)
	require.Equal(t, ChangeUpdated, changes.Kind)
	require.Len(t, changes.Fields, 2)
	require.Contains(t, changes.Fields, "name")
	require.Contains(t, changes.Fields, "cost")
}

// Package catalog owns the canonical activity schema and its durable
// storage. One row exists per (provider id, external id) pair; the
// ingestion pipeline only ever deactivates records, it never deletes
// them.
package catalog

import (
	"fmt"
	"time"
)

type RegistrationStatus string

const (
	StatusOpen     RegistrationStatus = "Open"
	StatusWaitlist RegistrationStatus = "Waitlist"
	StatusClosed   RegistrationStatus = "Closed"
	StatusUnknown  RegistrationStatus = "Unknown"
)

// SessionSlot is one scheduled meeting of an activity. Date is ISO
// (2006-01-02); times are 24h clock (15:04) in the provider's timezone.
type SessionSlot struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Activity is the canonical, durable representation of one listing.
type Activity struct {
	ProviderID string
	ExternalID string

	Name         string
	Category     string
	CostCents    int64
	AgeMin       *int
	AgeMax       *int
	ScheduleText string
	Sessions     []SessionSlot
	Status       RegistrationStatus
	LocationRef  string
	DetailUrl    string

	IsActive   bool
	LastSeenAt time.Time
	UpdatedAt  time.Time
	CreatedAt  time.Time
}

func (a Activity) IdentityKey() string {
	return fmt.Sprintf("%s/%s", a.ProviderID, a.ExternalID)
}

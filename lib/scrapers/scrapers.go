// Package scrapers holds the contract every booking-platform scraper
// implements. A platform scraper turns an extraction session pointed at
// one section of a provider's site into raw listing records; everything
// provider-specific (urls, section names, field mappings) arrives as
// data, so onboarding a provider on a known platform is configuration,
// not code.
package scrapers

import (
	"context"

	"kidsactivity-backend/lib/extractor"
)

// SectionSpec names one section of a provider's site to extract, e.g.
// "Youth" or "Swimming". Url is absolute.
type SectionSpec struct {
	ID   string
	Name string
	Url  string
}

// ItemError records one listing whose extraction failed without aborting
// the section.
type ItemError struct {
	Listing string
	Err     error
}

// SectionResult is the outcome of one section extraction. Records and
// per-item failures are both reported; a section only fails as a whole
// when nothing could be read at all.
type SectionResult struct {
	Records    []extractor.RawListingRecord
	ItemErrors []ItemError
	// true when the expand loop hit its iteration cap before the page
	// stopped producing new collapsed elements
	ExpandCapReached bool
}

// Platform is implemented once per booking platform.
type Platform interface {
	Kind() string
	// ExtractSection discovers and reads every listing in the section.
	// A failed listing lands in SectionResult.ItemErrors; the error
	// return is reserved for the section being unreadable entirely.
	ExtractSection(ctx context.Context, session extractor.Session, section SectionSpec) (SectionResult, error)
	// ExtractDetail reads one listing's detail page, used to enrich
	// records whose section row was missing slots.
	ExtractDetail(ctx context.Context, session extractor.Session, detailURL string) (extractor.RawListingRecord, error)
}

// Package perfectmind scrapes booking sites built on the PerfectMind
// recreation widget. The widget renders a section as a list of program
// groups collapsed behind expander headers, so extraction has to reveal
// every group before the listing rows exist in the DOM at all. These
// sites are javascript-rendered and are normally driven through a
// browser-backed extraction session.
package perfectmind

import (
	"context"
	"fmt"
	"log/slog"

	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/scrapers"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/perfectmind")

const (
	expanderSelector = `div.bm-group-title-row[aria-expanded="false"], a.group-expander[aria-expanded="false"]`
	recordSelector   = `div.bm-class-container, tr.bm-class-row`

	// the expand pass repeats because revealing a group can insert new
	// collapsed subgroups; the cap keeps a misbehaving page from looping
	// the scraper forever
	maxExpandPasses = 8
)

var sectionHints = extractor.SchemaHints{
	RecordSelector: recordSelector,
	Name:           ".bm-event-name, .bm-class-name",
	DateText:       ".bm-class-dates, .bm-event-dates",
	TimeText:       ".bm-class-time",
	PriceText:      ".bm-class-fee, .bm-price",
	AgeText:        ".bm-class-ages, .bm-restrictions",
	LocationText:   ".bm-class-location, .bm-facility",
	StatusText:     ".bm-spots-group, .bm-class-action button",
	ExternalID:     ".bm-class-number, .bm-course-code",
	DetailURL:      "a.bm-class-anchor, a.bm-event-anchor",
}

var detailHints = extractor.SchemaHints{
	RecordSelector: ".bm-class-details, .bm-event-details",
	Name:           "h1, .bm-details-header",
	DateText:       ".bm-details-dates",
	TimeText:       ".bm-details-time",
	PriceText:      ".bm-details-fee",
	AgeText:        ".bm-details-restrictions",
	LocationText:   ".bm-details-location",
	StatusText:     ".bm-registration-status, .bm-details-action button",
	ExternalID:     ".bm-details-course-code",
}

type Scraper struct{}

func New() Scraper {
	return Scraper{}
}

func (Scraper) Kind() string {
	return "perfectmind"
}

// expand reveals every collapsed program group, re-scanning after each
// pass since expanding can insert new expanders. Returns whether the cap
// was hit with work left.
func (s Scraper) expand(ctx context.Context, session extractor.Session, section scrapers.SectionSpec) (bool, error) {
	for pass := 0; pass < maxExpandPasses; pass++ {
		expanded, err := session.ExpandAll(ctx, expanderSelector)
		if err != nil {
			return false, err
		}
		if expanded == 0 {
			return false, nil
		}
		slog.DebugContext(ctx, "expanded program groups",
			"section", section.Name, "pass", pass, "count", expanded)
	}

	slog.WarnContext(ctx, "expand pass cap reached, proceeding with revealed listings",
		"section", section.Name, "cap", maxExpandPasses)
	return true, nil
}

func (s Scraper) ExtractSection(ctx context.Context, session extractor.Session, section scrapers.SectionSpec) (scrapers.SectionResult, error) {
	ctx, span := tracer.Start(ctx, "ExtractSection")
	defer span.End()
	span.SetAttributes(
		attribute.String("section", section.Name),
		attribute.String("url", section.Url),
	)

	err := session.Navigate(ctx, section.Url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to navigate to section")
		return scrapers.SectionResult{}, err
	}

	capReached, err := s.expand(ctx, session, section)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to expand program groups")
		return scrapers.SectionResult{}, err
	}

	records, err := session.ReadRecords(ctx, sectionHints)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read listing records")
		return scrapers.SectionResult{}, err
	}

	result := scrapers.SectionResult{ExpandCapReached: capReached}
	for _, rec := range records {
		if rec.Name == "" && rec.ExternalID == "" && rec.DetailURL == "" {
			result.ItemErrors = append(result.ItemErrors, scrapers.ItemError{
				Listing: "(unidentified row)",
				Err:     fmt.Errorf("listing row matched but produced no name, id or link"),
			})
			continue
		}
		result.Records = append(result.Records, rec)
	}

	span.SetAttributes(
		attribute.Int("records", len(result.Records)),
		attribute.Int("item_errors", len(result.ItemErrors)),
	)
	return result, nil
}

func (s Scraper) ExtractDetail(ctx context.Context, session extractor.Session, detailURL string) (extractor.RawListingRecord, error) {
	ctx, span := tracer.Start(ctx, "ExtractDetail")
	defer span.End()
	span.SetAttributes(attribute.String("url", detailURL))

	err := session.Navigate(ctx, detailURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to navigate to detail page")
		return extractor.RawListingRecord{}, err
	}

	records, err := session.ReadRecords(ctx, detailHints)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read detail page")
		return extractor.RawListingRecord{}, err
	}
	if len(records) == 0 {
		return extractor.RawListingRecord{}, &extractor.Error{
			Kind: extractor.KindNotFound,
			Op:   "extract_detail",
			Err:  fmt.Errorf("no detail block on %s", detailURL),
		}
	}

	rec := records[0]
	rec.DetailURL = detailURL
	return rec, nil
}

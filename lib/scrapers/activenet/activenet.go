// Package activenet scrapes booking sites built on ActiveNet-style
// activity search pages. These render listings server-side as paginated
// result tables, so a plain HTTP extraction session is enough; the only
// structural quirk is pagination, which is followed through the next
// anchor with a hard page cap.
package activenet

import (
	"context"
	"fmt"
	"log/slog"

	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/scrapers"
	"kidsactivity-backend/lib/textutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/activenet")

const (
	nextPageSelector = `a[title="Next"], li.pagination-next a, a[aria-label="Next"]`
	maxPages         = 40
)

var sectionHints = extractor.SchemaHints{
	RecordSelector: "table.activity-search-results tr.activity-row, div.activity-card",
	Name:           "td.activity-name a, .activity-card-title",
	DateText:       "td.activity-dates, .activity-card-dates",
	TimeText:       "td.activity-times, .activity-card-times",
	PriceText:      "td.activity-fee, .activity-card-fee",
	AgeText:        "td.activity-ages, .activity-card-ages",
	LocationText:   "td.activity-location, .activity-card-location",
	StatusText:     "td.activity-status, .activity-card-status",
	ExternalID:     "td.activity-number, .activity-card-number",
	DetailURL:      "td.activity-name a, a.activity-card-link",
}

var detailHints = extractor.SchemaHints{
	RecordSelector: "div.activity-detail",
	Name:           "h1.activity-detail-title",
	DateText:       ".activity-detail-dates",
	TimeText:       ".activity-detail-times",
	PriceText:      ".activity-detail-fee",
	AgeText:        ".activity-detail-ages",
	LocationText:   ".activity-detail-location",
	StatusText:     ".activity-detail-status, button.register",
	ExternalID:     ".activity-detail-number",
}

type Scraper struct{}

func New() Scraper {
	return Scraper{}
}

func (Scraper) Kind() string {
	return "activenet"
}

func (s Scraper) ExtractSection(ctx context.Context, session extractor.Session, section scrapers.SectionSpec) (scrapers.SectionResult, error) {
	ctx, span := tracer.Start(ctx, "ExtractSection")
	defer span.End()
	span.SetAttributes(
		attribute.String("section", section.Name),
		attribute.String("url", section.Url),
	)

	var result scrapers.SectionResult
	seen := map[string]bool{}
	pageURL := section.Url

	for page := 0; page < maxPages; page++ {
		err := session.Navigate(ctx, pageURL)
		if err != nil {
			if page == 0 {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to navigate to section")
				return scrapers.SectionResult{}, err
			}
			// a broken later page loses that page only
			result.ItemErrors = append(result.ItemErrors, scrapers.ItemError{
				Listing: fmt.Sprintf("(page %d)", page+1),
				Err:     err,
			})
			break
		}

		records, err := session.ReadRecords(ctx, sectionHints)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read listing records")
			return scrapers.SectionResult{}, err
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			if rec.Name == "" && rec.ExternalID == "" && rec.DetailURL == "" {
				result.ItemErrors = append(result.ItemErrors, scrapers.ItemError{
					Listing: "(unidentified row)",
					Err:     fmt.Errorf("listing row matched but produced no name, id or link"),
				})
				continue
			}
			// pagination on these sites occasionally repeats the last
			// row of the previous page
			key := textutil.NormalizeKey(rec.ExternalID + "|" + rec.DetailURL + "|" + rec.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			result.Records = append(result.Records, rec)
		}

		next := s.nextPage(ctx, session)
		if next == "" || next == pageURL {
			break
		}
		pageURL = next

		if page == maxPages-1 {
			slog.WarnContext(ctx, "pagination cap reached, section truncated",
				"section", section.Name, "cap", maxPages)
		}
	}

	span.SetAttributes(
		attribute.Int("records", len(result.Records)),
		attribute.Int("item_errors", len(result.ItemErrors)),
	)
	return result, nil
}

func (s Scraper) nextPage(ctx context.Context, session extractor.Session) string {
	anchors, err := session.Anchors(ctx, nextPageSelector)
	if err != nil || len(anchors) == 0 {
		return ""
	}
	return anchors[0].Href
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

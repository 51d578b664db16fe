// Package extractor provides the page-extraction capability the platform
// scrapers are written against: navigate to a url, expand collapsed
// elements, read loosely-typed listing records out of the page.
//
// Two implementations exist: a resty+goquery session for server-rendered
// booking sites, and a chromedp session for sites that only materialize
// listings after running javascript. Scrapers do not care which one they
// are handed.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"kidsactivity-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// Kind classifies extraction failures so the scheduler can decide whether
// a task is worth retrying. Only timeouts and transient network failures
// are; a missing page or element will be just as missing next attempt.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindNotFound
	KindTransientNetwork
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindTransientNetwork:
		return "transient_network"
	}
	return "other"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retryable reports whether the error is one of the transient kinds.
// Data and not-found failures are deliberately excluded.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindTimeout || e.Kind == KindTransientNetwork
}

// RawListingRecord is the loosely-typed output of one listing's
// extraction. Every slot is captured as cleaned page text; nothing here
// is validated or persisted directly.
type RawListingRecord struct {
	Name         string
	DateText     string
	TimeText     string
	PriceText    string
	AgeText      string
	LocationText string
	StatusText   string
	ExternalID   string
	DetailURL    string
	// slots outside the canonical set, keyed by the hint name that
	// captured them, consumed by provider field-mapping overrides
	Extra map[string]string
}

// SchemaHints tells a session where listing records live in the page and
// which selector fills which slot, relative to the record root.
type SchemaHints struct {
	// selector matching one element per listing
	RecordSelector string
	Name           string
	DateText       string
	TimeText       string
	PriceText      string
	AgeText        string
	LocationText   string
	StatusText     string
	ExternalID     string
	// attr on the record (or a child anchor href) holding the detail url
	DetailURL string
	Extra     map[string]string
}

// Session is one live extraction session against one site. Sessions are
// not safe for concurrent use; the pool hands each task its own.
type Session interface {
	// Navigate loads the url and makes it the current page.
	Navigate(ctx context.Context, pageURL string) error
	// ExpandAll reveals every collapsed element matching the selector on
	// the current page. It is idempotent and safe to call repeatedly; it
	// returns how many elements it acted on this call.
	ExpandAll(ctx context.Context, selector string) (int, error)
	// ReadRecords extracts listing records from the current page.
	ReadRecords(ctx context.Context, hints SchemaHints) ([]RawListingRecord, error)
	// Anchors returns the cleaned anchors matching the selector on the
	// current page, used by section/listing discovery.
	Anchors(ctx context.Context, selector string) ([]htmlutil.Anchor, error)
	Close(ctx context.Context) error
}

func recordsFromDoc(base *url.URL, doc *goquery.Document, hints SchemaHints) []RawListingRecord {
	var records []RawListingRecord
	doc.Find(hints.RecordSelector).Each(func(_ int, card *goquery.Selection) {
		rec := RawListingRecord{
			Name:         selectionText(card, hints.Name),
			DateText:     selectionText(card, hints.DateText),
			TimeText:     selectionText(card, hints.TimeText),
			PriceText:    selectionText(card, hints.PriceText),
			AgeText:      selectionText(card, hints.AgeText),
			LocationText: selectionText(card, hints.LocationText),
			StatusText:   selectionText(card, hints.StatusText),
			ExternalID:   selectionText(card, hints.ExternalID),
			DetailURL:    selectionHref(base, card, hints.DetailURL),
		}
		if len(hints.Extra) > 0 {
			rec.Extra = map[string]string{}
			for name, selector := range hints.Extra {
				rec.Extra[name] = selectionText(card, selector)
			}
		}
		records = append(records, rec)
	})
	return records
}

func selectionText(root *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	sel := root.Find(selector)
	if len(sel.Nodes) == 0 {
		return ""
	}
	return htmlutil.CleanText(sel.Nodes[0])
}

func selectionHref(base *url.URL, root *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	href, ok := root.Find(selector).Attr("href")
	if !ok {
		return ""
	}
	link, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		link = base.ResolveReference(link)
	}
	return link.String()
}

package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"kidsactivity-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BrowserSession extracts from pages that only materialize listings
// after running javascript, backed by one headless chrome tab.
type BrowserSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	// time given to the page's scripts after navigation before the DOM
	// is considered settled
	renderDelay time.Duration
}

type BrowserSessionOptions struct {
	Headless    bool
	RenderDelay time.Duration
}

func NewBrowserSession(opts BrowserSessionOptions) (*BrowserSession, error) {
	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1280, 900),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), execOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	renderDelay := opts.RenderDelay
	if renderDelay <= 0 {
		renderDelay = time.Second * 3
	}

	return &BrowserSession{
		ctx: tabCtx,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
		renderDelay: renderDelay,
	}, nil
}

// run executes chromedp actions on the session tab while honoring the
// caller's deadline and cancellation.
func (s *BrowserSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := s.ctx
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	return chromedp.Run(runCtx, actions...)
}

func classifyBrowserErr(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "net::ERR_CONNECTION"),
		strings.Contains(msg, "net::ERR_INTERNET_DISCONNECTED"):
		return newError(KindTransientNetwork, op, err)
	case strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "waiting for selector"):
		return newError(KindNotFound, op, err)
	}
	return newError(KindOther, op, err)
}

func (s *BrowserSession) Navigate(ctx context.Context, pageURL string) error {
	ctx, span := tracer.Start(ctx, "browser:Navigate")
	defer span.End()
	span.SetAttributes(attribute.String("url", pageURL))

	err := s.run(ctx,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(s.renderDelay),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "navigation failed")
		return classifyBrowserErr("navigate", err)
	}
	return nil
}

// ExpandAll clicks every matched element that has not been expanded yet.
// One call is one pass over the current DOM; scrapers cap how many passes
// they make, since expanding can insert new collapsible elements.
func (s *BrowserSession) ExpandAll(ctx context.Context, selector string) (int, error) {
	ctx, span := tracer.Start(ctx, "browser:ExpandAll")
	defer span.End()
	span.SetAttributes(attribute.String("selector", selector))

	expr := fmt.Sprintf(`
		(function() {
			var clicked = 0;
			document.querySelectorAll(%q).forEach(function(el) {
				if (el.getAttribute('aria-expanded') === 'true') return;
				if (el.dataset.kaExpanded === '1') return;
				el.dataset.kaExpanded = '1';
				el.click();
				clicked++;
			});
			return clicked;
		})()
	`, selector)

	var clicked int
	err := s.run(ctx, chromedp.Evaluate(expr, &clicked))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expand failed")
		return 0, classifyBrowserErr("expand_all", err)
	}
	if clicked > 0 {
		// give the revealed content time to render
		err = s.run(ctx, chromedp.Sleep(time.Second))
		if err != nil {
			return clicked, classifyBrowserErr("expand_all", err)
		}
	}
	span.SetAttributes(attribute.Int("clicked", clicked))
	return clicked, nil
}

func (s *BrowserSession) currentDoc(ctx context.Context) (*url.URL, *goquery.Document, error) {
	var html string
	var location string
	err := s.run(ctx,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, nil, classifyBrowserErr("read_page", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, newError(KindOther, "read_page", err)
	}
	base, err := url.Parse(location)
	if err != nil {
		base = nil
	}
	return base, doc, nil
}

func (s *BrowserSession) ReadRecords(ctx context.Context, hints SchemaHints) ([]RawListingRecord, error) {
	ctx, span := tracer.Start(ctx, "browser:ReadRecords")
	defer span.End()

	base, doc, err := s.currentDoc(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read page")
		return nil, err
	}
	records := recordsFromDoc(base, doc, hints)
	span.SetAttributes(attribute.Int("count", len(records)))
	return records, nil
}

func (s *BrowserSession) Anchors(ctx context.Context, selector string) ([]htmlutil.Anchor, error) {
	base, doc, err := s.currentDoc(ctx)
	if err != nil {
		return nil, err
	}
	return htmlutil.GetAnchors(ctx, base, doc.Find(selector)), nil
}

func (s *BrowserSession) Close(ctx context.Context) error {
	s.cancel()
	return nil
}

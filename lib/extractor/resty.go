package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/cookiejar"
	"net/url"
	"time"

	"kidsactivity-backend/lib/htmlutil"
	"kidsactivity-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/extractor")

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// HttpSession extracts from server-rendered pages over plain HTTP.
type HttpSession struct {
	baseUrl *url.URL
	http    *resty.Client

	currentUrl *url.URL
	doc        *goquery.Document
}

type HttpSessionOptions struct {
	BaseUrl string
	Timeout time.Duration
}

func NewHttpSession(opts HttpSessionOptions) (*HttpSession, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", userAgent)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second * 30
	}
	client.SetTimeout(timeout)

	telemetry.InstrumentResty(client, "extractor/http")

	return &HttpSession{
		baseUrl: baseUrl,
		http:    client,
	}, nil
}

func classifyHttpErr(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(KindTimeout, op, err)
		}
		return newError(KindTransientNetwork, op, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return newError(KindTransientNetwork, op, err)
	}
	return newError(KindOther, op, err)
}

func classifyStatus(op string, status int) *Error {
	switch {
	case status == 404 || status == 410:
		return newError(KindNotFound, op, fmt.Errorf("http status %d", status))
	case status == 408 || status == 429 || status >= 500:
		return newError(KindTransientNetwork, op, fmt.Errorf("http status %d", status))
	default:
		return newError(KindOther, op, fmt.Errorf("http status %d", status))
	}
}

func (s *HttpSession) Navigate(ctx context.Context, pageURL string) error {
	ctx, span := tracer.Start(ctx, "http:Navigate")
	defer span.End()
	span.SetAttributes(attribute.String("url", pageURL))

	res, err := s.http.R().
		SetContext(ctx).
		Get(pageURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch")
		return classifyHttpErr("navigate", err)
	}
	if res.StatusCode() >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("http status %d", res.StatusCode()))
		return classifyStatus("navigate", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return newError(KindOther, "navigate", err)
	}

	current, err := url.Parse(res.Request.URL)
	if err != nil {
		current = s.baseUrl
	}
	s.currentUrl = current
	s.doc = doc
	return nil
}

// ExpandAll on a server-rendered page is a no-op reveal: collapsed
// sections are already present in the HTML, so it only reports how many
// matched. Calling it repeatedly is safe.
func (s *HttpSession) ExpandAll(ctx context.Context, selector string) (int, error) {
	if s.doc == nil {
		return 0, newError(KindOther, "expand_all", errNoPage)
	}
	return len(s.doc.Find(selector).Nodes), nil
}

func (s *HttpSession) ReadRecords(ctx context.Context, hints SchemaHints) ([]RawListingRecord, error) {
	ctx, span := tracer.Start(ctx, "http:ReadRecords")
	defer span.End()

	if s.doc == nil {
		return nil, newError(KindOther, "read_records", errNoPage)
	}
	records := recordsFromDoc(s.currentUrl, s.doc, hints)
	span.SetAttributes(attribute.Int("count", len(records)))
	return records, nil
}

func (s *HttpSession) Anchors(ctx context.Context, selector string) ([]htmlutil.Anchor, error) {
	if s.doc == nil {
		return nil, newError(KindOther, "anchors", errNoPage)
	}
	return htmlutil.GetAnchors(ctx, s.currentUrl, s.doc.Find(selector)), nil
}

func (s *HttpSession) Close(ctx context.Context) error {
	s.doc = nil
	return nil
}

var errNoPage = errors.New("no page navigated to")

package ingestion

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/htmlutil"
	"kidsactivity-backend/lib/scrapers"
	"kidsactivity-backend/services/catalog"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

type nopSession struct{}

func (nopSession) Navigate(ctx context.Context, pageURL string) error { return nil }
func (nopSession) ExpandAll(ctx context.Context, selector string) (int, error) {
	return 0, nil
}
func (nopSession) ReadRecords(ctx context.Context, hints extractor.SchemaHints) ([]extractor.RawListingRecord, error) {
	return nil, nil
}
func (nopSession) Anchors(ctx context.Context, selector string) ([]htmlutil.Anchor, error) {
	return nil, nil
}
func (nopSession) Close(ctx context.Context) error { return nil }

type nopSessions struct{}

func (nopSessions) Acquire(ctx context.Context) (extractor.Session, func(), error) {
	return nopSession{}, func() {}, nil
}

// fakePlatform serves canned records per section id.
type fakePlatform struct {
	mu       sync.Mutex
	sections map[string][]extractor.RawListingRecord
	details  map[string]extractor.RawListingRecord
	errs     map[string]error
}

func (p *fakePlatform) Kind() string { return "fake" }

func (p *fakePlatform) ExtractSection(ctx context.Context, session extractor.Session, section scrapers.SectionSpec) (scrapers.SectionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[section.ID]; err != nil {
		return scrapers.SectionResult{}, err
	}
	return scrapers.SectionResult{Records: p.sections[section.ID]}, nil
}

func (p *fakePlatform) ExtractDetail(ctx context.Context, session extractor.Session, detailURL string) (extractor.RawListingRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.details[detailURL]
	if !ok {
		return extractor.RawListingRecord{}, &extractor.Error{
			Kind: extractor.KindNotFound,
			Op:   "detail",
			Err:  fmt.Errorf("no detail page %q", detailURL),
		}
	}
	return record, nil
}

// fakeGateway is an in-memory catalog keyed by identity.
type fakeGateway struct {
	mu         sync.Mutex
	activities map[string]catalog.Activity
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{activities: map[string]catalog.Activity{}}
}

func (g *fakeGateway) Upsert(ctx context.Context, activity catalog.Activity) (catalog.UpsertOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := activity.IdentityKey()
	existing, ok := g.activities[key]
	g.activities[key] = activity
	if !ok {
		return catalog.UpsertCreated, nil
	}
	if Diff(activity, &existing).Kind == ChangeUnchanged {
		return catalog.UpsertUnchanged, nil
	}
	return catalog.UpsertUpdated, nil
}

func (g *fakeGateway) FindByIdentity(ctx context.Context, providerID string, externalID string) (catalog.Activity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	activity, ok := g.activities[providerID+"/"+externalID]
	if !ok {
		return catalog.Activity{}, catalog.ErrNotFound
	}
	return activity, nil
}

func (g *fakeGateway) MarkInactiveExcept(ctx context.Context, providerID string, keptExternalIDs []string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := map[string]bool{}
	for _, id := range keptExternalIDs {
		kept[providerID+"/"+id] = true
	}
	var deactivated int64
	for key, activity := range g.activities {
		if activity.ProviderID != providerID || kept[key] || !activity.IsActive {
			continue
		}
		activity.IsActive = false
		g.activities[key] = activity
		deactivated++
	}
	return deactivated, nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	started   int
	finished  int
	succeeded bool
	providers map[string]catalog.ProviderCounts
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{providers: map[string]catalog.ProviderCounts{}}
}

func (r *fakeRecorder) StartRun(ctx context.Context, startedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return 7, nil
}

func (r *fakeRecorder) FinishRun(ctx context.Context, runID int64, finishedAt time.Time, succeeded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
	r.succeeded = succeeded
	return nil
}

func (r *fakeRecorder) NoteRunProvider(ctx context.Context, runID int64, providerID string, counts catalog.ProviderCounts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerID] = counts
	return nil
}

func testRunner(gateway PersistenceGateway, recorder RunRecorder, platform scrapers.Platform) *Runner {
	runner := NewRunner(gateway, recorder, RunOptions{
		GlobalLimit: 4,
		TaskTimeout: time.Second * 5,
		RunTimeout:  time.Second * 30,
		MaxAttempts: 1,
	})
	runner.platformFor = func(kind string) (scrapers.Platform, error) {
		return platform, nil
	}
	runner.sessionsFor = func(provider ProviderConfig) (SessionSource, error) {
		return nopSessions{}, nil
	}
	return runner
}

func twoSectionProvider() ProviderConfig {
	provider := testProvider
	provider.Sections = []SectionConfig{
		{ID: "youth", Name: "Youth", Path: "/youth"},
		{ID: "swim", Name: "Swimming", Path: "/swim"},
	}
	return provider
}

func TestRunCreatesAndRecords(t *testing.T) {
	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord()},
			"swim": {{
				Name:       "Aquafit",
				PriceText:  "$80.00",
				StatusText: "Waitlist",
				ExternalID: "00370000",
			}},
		},
	}
	gateway := newFakeGateway()
	recorder := newFakeRecorder()
	runner := testRunner(gateway, recorder, platform)

	summary, err := runner.Execute(context.Background(), []ProviderConfig{twoSectionProvider()})
	require.NoError(t, err)
	require.True(t, summary.Succeeded)
	require.Equal(t, int64(2), summary.Providers["r1"].Created)
	require.Equal(t, int64(0), summary.Providers["r1"].Errors)

	stored, err := gateway.FindByIdentity(context.Background(), "r1", "00369211")
	require.NoError(t, err)

	six, eight := 6, 8
	diff := cmp.Diff(
		catalog.Activity{
			ProviderID: "r1",
			ExternalID: "00369211",
			Name:       "Intro Swim",
			Category:   "General",
			CostCents:  5375,
			AgeMin:     &six,
			AgeMax:     &eight,
			Status:     catalog.StatusOpen,
			DetailUrl:  "https://rec.example.com/detail/00369211",
			IsActive:   true,
		},
		stored,
		cmpopts.IgnoreFields(catalog.Activity{}, "LastSeenAt", "UpdatedAt", "CreatedAt"),
	)
	if diff != "" {
		t.Fatal(diff)
	}

	require.Equal(t, 1, recorder.started)
	require.Equal(t, 1, recorder.finished)
	require.True(t, recorder.succeeded)
	require.Equal(t, int64(2), recorder.providers["r1"].Created)
}

func TestRunIdempotence(t *testing.T) {
	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord()},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)

	_, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)

	summary, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Providers["r1"].Created)
	require.Equal(t, int64(0), summary.Providers["r1"].Updated)
	require.Equal(t, int64(1), summary.Providers["r1"].Unchanged)
	require.Equal(t, int64(0), summary.Providers["r1"].Removed)
}

func TestRunDetectsStatusChange(t *testing.T) {
	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord()},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)

	_, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)

	closed := youthSwimRecord()
	closed.StatusText = "Closed"
	platform.mu.Lock()
	platform.sections["youth"] = []extractor.RawListingRecord{closed}
	platform.mu.Unlock()

	summary, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Providers["r1"].Updated)

	stored, err := gateway.FindByIdentity(context.Background(), "r1", "00369211")
	require.NoError(t, err)
	require.Equal(t, catalog.StatusClosed, stored.Status)
}

func TestRunDeactivatesStaleRecords(t *testing.T) {
	second := youthSwimRecord()
	second.Name = "Parent and Tot Swim"
	second.ExternalID = "00369305"

	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord(), second},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)

	_, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)

	// other provider's record must survive r1's cleanup
	other, err := Normalize(youthSwimRecord(), testProvider, time.Now())
	require.NoError(t, err)
	other.ProviderID = "r2"
	_, err = gateway.Upsert(context.Background(), other)
	require.NoError(t, err)

	platform.mu.Lock()
	platform.sections["youth"] = []extractor.RawListingRecord{youthSwimRecord()}
	platform.mu.Unlock()

	summary, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Providers["r1"].Removed)

	stored, err := gateway.FindByIdentity(context.Background(), "r1", "00369305")
	require.NoError(t, err)
	require.False(t, stored.IsActive)

	stored, err = gateway.FindByIdentity(context.Background(), "r2", "00369211")
	require.NoError(t, err)
	require.True(t, stored.IsActive)
}

func TestRunSkipsCleanupWhenNothingObserved(t *testing.T) {
	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord()},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)

	_, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)

	platform.mu.Lock()
	platform.errs = map[string]error{"youth": &extractor.Error{
		Kind: extractor.KindTransientNetwork,
		Op:   "navigate",
		Err:  fmt.Errorf("site down"),
	}}
	platform.mu.Unlock()

	summary, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.Error(t, err)
	require.False(t, summary.Succeeded)

	// the record must not be flagged inactive just because the site
	// was unreachable
	stored, err := gateway.FindByIdentity(context.Background(), "r1", "00369211")
	require.NoError(t, err)
	require.True(t, stored.IsActive)
}

func TestRunDetailFetchFillsMissingSlots(t *testing.T) {
	row := youthSwimRecord()
	row.PriceText = ""
	row.DetailURL = "https://rec.example.com/detail/00369211"

	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {row},
		},
		details: map[string]extractor.RawListingRecord{
			"https://rec.example.com/detail/00369211": {
				PriceText:    "$53.75",
				LocationText: "Harry Jerome CC",
			},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)
	// one global slot forces the detail task to queue until its section
	// task has returned; it must still run with a live context
	runner.options.GlobalLimit = 1

	summary, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Providers["r1"].Created)
	require.Equal(t, int64(0), summary.Providers["r1"].Errors)

	stored, err := gateway.FindByIdentity(context.Background(), "r1", "00369211")
	require.NoError(t, err)
	require.Equal(t, int64(5375), stored.CostCents)
	require.Equal(t, "Harry Jerome CC", stored.LocationRef)
}

func TestRunBadProviderFailsBeforeStart(t *testing.T) {
	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord()},
		},
	}
	gateway := newFakeGateway()
	recorder := newFakeRecorder()
	runner := testRunner(gateway, recorder, platform)
	runner.sessionsFor = func(provider ProviderConfig) (SessionSource, error) {
		if provider.ID == "r2" {
			return nil, fmt.Errorf("browser unavailable")
		}
		return nopSessions{}, nil
	}

	second := testProvider
	second.ID = "r2"

	_, err := runner.Execute(context.Background(), []ProviderConfig{testProvider, second})
	require.Error(t, err)

	// no task ran and no run record was started; a started record would
	// never get finished on this path
	require.Equal(t, 0, recorder.started)
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	require.Empty(t, gateway.activities)
}

func TestRunBadItemsDoNotAbortSection(t *testing.T) {
	bad := youthSwimRecord()
	bad.PriceText = "call us"

	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord(), bad},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)

	// one bad item out of two is above the default threshold, so raise it
	runner.options.ErrorRateThreshold = 0.6

	summary, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Providers["r1"].Errors)
	require.NotEmpty(t, summary.Providers["r1"].Failures)
}

func TestRunErrorRateFailsRun(t *testing.T) {
	bad := youthSwimRecord()
	bad.PriceText = "call us"

	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {bad},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)

	summary, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.Error(t, err)
	require.False(t, summary.Succeeded)
}

func TestRunIdentityConflictLatestWins(t *testing.T) {
	duplicate := youthSwimRecord()
	duplicate.Name = "Intro Swim (Rescheduled)"

	platform := &fakePlatform{
		sections: map[string][]extractor.RawListingRecord{
			"youth": {youthSwimRecord(), duplicate},
		},
	}
	gateway := newFakeGateway()
	runner := testRunner(gateway, nil, platform)

	// both rows resolve to the same identity; records stay deduplicated
	runner.options.ErrorRateThreshold = 0.6
	_, err := runner.Execute(context.Background(), []ProviderConfig{testProvider})
	require.NoError(t, err)

	gateway.mu.Lock()
	var r1Count int
	for _, activity := range gateway.activities {
		if activity.ProviderID == "r1" {
			r1Count++
		}
	}
	gateway.mu.Unlock()
	require.Equal(t, 1, r1Count)
}

func TestSelectProviders(t *testing.T) {
	providers := []ProviderConfig{
		{ID: "r1"}, {ID: "r2"},
	}

	selected, err := selectProviders(providers, nil)
	require.NoError(t, err)
	require.Len(t, selected, 2)

	selected, err = selectProviders(providers, []string{"r2"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	require.Equal(t, "r2", selected[0].ID)

	_, err = selectProviders(providers, []string{"nope"})
	require.Error(t, err)
}

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/scrapers"
	"kidsactivity-backend/lib/timezone"
	"kidsactivity-backend/services/catalog"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/ingestion")

// how many failure reasons the summary keeps per provider
const failureSampleSize = 5

type RunOptions struct {
	// provider ids to include; empty means every configured provider
	Include []string

	GlobalLimit      int
	PerProviderLimit int
	// concurrent extraction sessions per provider, bounding browser
	// processes independently of task concurrency
	SessionLimit int

	TaskTimeout time.Duration
	RunTimeout  time.Duration
	MaxAttempts int
	BackoffBase time.Duration

	// fraction of failed items above which the run is a failure even
	// though it completed
	ErrorRateThreshold float64
}

// ProviderSummary is the per-provider slice of a run summary.
type ProviderSummary struct {
	Created   int64    `json:"created"`
	Updated   int64    `json:"updated"`
	Unchanged int64    `json:"unchanged"`
	Removed   int64    `json:"removed"`
	Errors    int64    `json:"errors"`
	Failures  []string `json:"failures,omitempty"`
}

// Summary is the machine-readable outcome of one run.
type Summary struct {
	StartedAt  time.Time                   `json:"startedAt"`
	FinishedAt time.Time                   `json:"finishedAt"`
	Providers  map[string]*ProviderSummary `json:"providers"`
	ErrorRate  float64                     `json:"errorRate"`
	Succeeded  bool                        `json:"succeeded"`
}

// SessionSource hands out extraction sessions; satisfied by
// extractor.Pool.
type SessionSource interface {
	Acquire(ctx context.Context) (extractor.Session, func(), error)
}

// Runner executes one ingestion run end to end.
type Runner struct {
	gateway  PersistenceGateway
	recorder RunRecorder
	options  RunOptions

	// overridable for tests
	platformFor func(kind string) (scrapers.Platform, error)
	sessionsFor func(provider ProviderConfig) (SessionSource, error)
}

func NewRunner(gateway PersistenceGateway, recorder RunRecorder, options RunOptions) *Runner {
	if options.RunTimeout <= 0 {
		options.RunTimeout = time.Hour
	}
	if options.ErrorRateThreshold <= 0 {
		options.ErrorRateThreshold = 0.25
	}
	if options.SessionLimit <= 0 {
		options.SessionLimit = 2
	}
	return &Runner{
		gateway:     gateway,
		recorder:    recorder,
		options:     options,
		platformFor: PlatformFor,
		sessionsFor: func(provider ProviderConfig) (SessionSource, error) {
			return SessionPoolFor(
				provider.PlatformKind, provider,
				options.SessionLimit, options.TaskTimeout,
			)
		},
	}
}

// providerState accumulates one provider's progress across its
// concurrently running tasks.
type providerState struct {
	provider ProviderConfig
	platform scrapers.Platform
	sessions SessionSource

	mu      sync.Mutex
	counts  catalog.ProviderCounts
	samples []string
	// externalId -> last normalized observation this run, for stale
	// cleanup and identity conflict detection
	seen map[string]catalog.Activity
}

func (p *providerState) recordItemError(ctx context.Context, listing string, err error) {
	slog.WarnContext(ctx, "listing failed",
		"provider", p.provider.ID,
		"listing", listing,
		"err", err,
	)
	p.mu.Lock()
	p.counts.Errors++
	if len(p.samples) < failureSampleSize {
		p.samples = append(p.samples, fmt.Sprintf("%s: %v", listing, err))
	}
	p.mu.Unlock()
}

// Execute runs ingestion across the selected providers. Partial
// progress stays persisted even when the run as a whole fails.
func (r *Runner) Execute(ctx context.Context, providers []ProviderConfig) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.options.RunTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Execute")
	defer span.End()

	selected, err := selectProviders(providers, r.options.Include)
	if err != nil {
		return Summary{}, err
	}

	startedAt := timezone.Now()
	summary := Summary{
		StartedAt: startedAt,
		Providers: map[string]*ProviderSummary{},
	}

	// resolve every provider's platform and session pool before starting
	// the run record or submitting anything, so a bad provider cannot
	// leave a half-submitted run behind
	states := make([]*providerState, 0, len(selected))
	for _, provider := range selected {
		platform, err := r.platformFor(provider.PlatformKind)
		if err != nil {
			return summary, fmt.Errorf("provider %q: %w", provider.ID, err)
		}
		sessions, err := r.sessionsFor(provider)
		if err != nil {
			return summary, fmt.Errorf("provider %q: %w", provider.ID, err)
		}
		states = append(states, &providerState{
			provider: provider,
			platform: platform,
			sessions: sessions,
			seen:     map[string]catalog.Activity{},
		})
	}

	var runID int64
	if r.recorder != nil {
		runID, err = r.recorder.StartRun(ctx, startedAt)
		if err != nil {
			return summary, fmt.Errorf("start run: %w", err)
		}
	}

	scheduler := NewScheduler(ctx, SchedulerOptions{
		GlobalLimit:      r.options.GlobalLimit,
		PerProviderLimit: r.options.PerProviderLimit,
		TaskTimeout:      r.options.TaskTimeout,
		MaxAttempts:      r.options.MaxAttempts,
		BackoffBase:      r.options.BackoffBase,
	})
	for _, state := range states {
		for _, section := range state.provider.SectionSpecs() {
			scheduler.Go(state.provider.ID, "section "+section.Name, func(ctx context.Context) error {
				return r.runSection(ctx, scheduler, state, section)
			})
		}
	}

	taskFailures := scheduler.Wait()

	// stale cleanup runs even for providers that had failures: a key
	// we did observe is protected either way, and finishProvider skips
	// providers where nothing was observed at all
	for _, state := range states {
		r.finishProvider(ctx, state)
	}

	var items int64
	var failed int64
	for _, state := range states {
		state.mu.Lock()
		counts := state.counts
		samples := state.samples
		state.mu.Unlock()

		items += counts.Created + counts.Updated + counts.Unchanged + counts.Errors
		failed += counts.Errors
		summary.Providers[state.provider.ID] = &ProviderSummary{
			Created:   counts.Created,
			Updated:   counts.Updated,
			Unchanged: counts.Unchanged,
			Removed:   counts.Removed,
			Errors:    counts.Errors,
			Failures:  samples,
		}

		if r.recorder != nil {
			err := r.recorder.NoteRunProvider(ctx, runID, state.provider.ID, counts)
			if err != nil {
				slog.ErrorContext(ctx, "recording provider counts failed",
					"provider", state.provider.ID, "err", err)
			}
		}
	}
	for _, failure := range taskFailures {
		if provider, ok := summary.Providers[failure.Provider]; ok {
			provider.Errors++
			if len(provider.Failures) < failureSampleSize {
				provider.Failures = append(provider.Failures,
					fmt.Sprintf("%s: %v", failure.Label, failure.Err))
			}
		}
		failed++
		items++
	}

	if items > 0 {
		summary.ErrorRate = float64(failed) / float64(items)
	}
	summary.FinishedAt = timezone.Now()
	summary.Succeeded = ctx.Err() == nil &&
		summary.ErrorRate <= r.options.ErrorRateThreshold

	if r.recorder != nil {
		err := r.recorder.FinishRun(ctx, runID, summary.FinishedAt, summary.Succeeded)
		if err != nil {
			slog.ErrorContext(ctx, "finishing run record failed", "err", err)
		}
	}

	if !summary.Succeeded {
		span.SetStatus(codes.Error, "run failed")
		if ctx.Err() != nil {
			return summary, fmt.Errorf("run cancelled: %w", ctx.Err())
		}
		return summary, fmt.Errorf(
			"error rate %.2f above threshold %.2f",
			summary.ErrorRate, r.options.ErrorRateThreshold,
		)
	}
	return summary, nil
}

func selectProviders(providers []ProviderConfig, include []string) ([]ProviderConfig, error) {
	if len(include) == 0 {
		return providers, nil
	}
	byID := map[string]ProviderConfig{}
	for _, provider := range providers {
		byID[provider.ID] = provider
	}
	selected := make([]ProviderConfig, 0, len(include))
	for _, id := range include {
		provider, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", id)
		}
		selected = append(selected, provider)
	}
	return selected, nil
}

func (r *Runner) runSection(ctx context.Context, scheduler *Scheduler, state *providerState, section scrapers.SectionSpec) error {
	ctx, span := tracer.Start(ctx, "runSection")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", state.provider.ID),
		attribute.String("section", section.Name),
	)

	session, release, err := state.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	result, err := state.platform.ExtractSection(ctx, session, section)
	if err != nil {
		return err
	}
	for _, itemErr := range result.ItemErrors {
		state.recordItemError(ctx, itemErr.Listing, itemErr.Err)
	}
	if result.ExpandCapReached {
		slog.WarnContext(ctx, "expand cap reached, section may be partial",
			"provider", state.provider.ID, "section", section.Name)
	}

	for _, raw := range result.Records {
		if needsDetailFetch(raw, state.provider) {
			scheduler.Go(state.provider.ID, "detail "+raw.DetailURL, func(ctx context.Context) error {
				return r.runDetail(ctx, state, raw)
			})
			continue
		}
		r.processRecord(ctx, state, raw)
	}
	return nil
}

// needsDetailFetch reports whether the section row alone cannot produce
// a full record: the identity slot the provider's strategy needs is
// missing, or the price never appears in the section listing.
func needsDetailFetch(raw extractor.RawListingRecord, provider ProviderConfig) bool {
	if raw.DetailURL == "" {
		return false
	}
	if provider.IdentityStrategy == IdentityCourseCode && raw.ExternalID == "" {
		return true
	}
	return raw.PriceText == ""
}

func (r *Runner) runDetail(ctx context.Context, state *providerState, row extractor.RawListingRecord) error {
	ctx, span := tracer.Start(ctx, "runDetail")
	defer span.End()
	span.SetAttributes(attribute.String("url", row.DetailURL))

	session, release, err := state.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	detail, err := state.platform.ExtractDetail(ctx, session, row.DetailURL)
	if err != nil {
		if extractor.Retryable(err) {
			return err
		}
		state.recordItemError(ctx, row.DetailURL, err)
		return nil
	}

	r.processRecord(ctx, state, mergeRecords(row, detail))
	return nil
}

// mergeRecords fills the section row's empty slots from the detail
// page. The row wins where both have text since it reflects the section
// the listing was discovered under.
func mergeRecords(row extractor.RawListingRecord, detail extractor.RawListingRecord) extractor.RawListingRecord {
	pick := func(a string, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	merged := row
	merged.Name = pick(row.Name, detail.Name)
	merged.DateText = pick(row.DateText, detail.DateText)
	merged.TimeText = pick(row.TimeText, detail.TimeText)
	merged.PriceText = pick(row.PriceText, detail.PriceText)
	merged.AgeText = pick(row.AgeText, detail.AgeText)
	merged.LocationText = pick(row.LocationText, detail.LocationText)
	merged.StatusText = pick(row.StatusText, detail.StatusText)
	merged.ExternalID = pick(row.ExternalID, detail.ExternalID)
	for key, value := range detail.Extra {
		if merged.Extra == nil {
			merged.Extra = map[string]string{}
		}
		if merged.Extra[key] == "" {
			merged.Extra[key] = value
		}
	}
	return merged
}

// processRecord takes one raw record through normalize, diff and
// upsert. Item-level failures are recorded, never propagated; a bad
// listing must not fail its section.
func (r *Runner) processRecord(ctx context.Context, state *providerState, raw extractor.RawListingRecord) {
	incoming, err := Normalize(raw, state.provider, timezone.Now())
	if err != nil {
		state.recordItemError(ctx, raw.Name, err)
		return
	}

	state.mu.Lock()
	previous, conflict := state.seen[incoming.ExternalID]
	state.seen[incoming.ExternalID] = incoming
	state.mu.Unlock()

	if conflict {
		if changes := Diff(incoming, &previous); changes.Kind == ChangeUpdated {
			// two listings collapsed onto one key this run; latest
			// wins, but this usually means the identity strategy is
			// wrong for this provider
			slog.WarnContext(ctx, "identity conflict",
				"provider", state.provider.ID,
				"externalId", incoming.ExternalID,
				"name", incoming.Name,
				"previousName", previous.Name,
				"nameSimilarity", matchr.JaroWinkler(incoming.Name, previous.Name, false),
			)
		}
	}

	var existing *catalog.Activity
	found, err := r.gateway.FindByIdentity(ctx, incoming.ProviderID, incoming.ExternalID)
	switch {
	case err == nil:
		existing = &found
	case errors.Is(err, catalog.ErrNotFound):
	default:
		state.recordItemError(ctx, incoming.Name, err)
		return
	}

	changes := Diff(incoming, existing)
	if changes.Kind == ChangeUpdated {
		for field, change := range changes.Fields {
			slog.InfoContext(ctx, "listing changed",
				"provider", incoming.ProviderID,
				"externalId", incoming.ExternalID,
				"field", field,
				"old", change.Old,
				"new", change.New,
			)
		}
	}

	outcome, err := r.gateway.Upsert(ctx, incoming)
	if err != nil {
		state.recordItemError(ctx, incoming.Name, err)
		return
	}

	state.mu.Lock()
	switch outcome {
	case catalog.UpsertCreated:
		state.counts.Created++
	case catalog.UpsertUpdated:
		state.counts.Updated++
	default:
		state.counts.Unchanged++
	}
	state.mu.Unlock()
}

// finishProvider deactivates the provider's records that were not
// observed this run. Skipped entirely when nothing at all was observed,
// so a provider whose site was down does not get its whole catalog
// flagged inactive.
func (r *Runner) finishProvider(ctx context.Context, state *providerState) {
	state.mu.Lock()
	observed := make([]string, 0, len(state.seen))
	for externalID := range state.seen {
		observed = append(observed, externalID)
	}
	state.mu.Unlock()

	if len(observed) == 0 {
		slog.WarnContext(ctx, "nothing observed, skipping stale cleanup",
			"provider", state.provider.ID)
		return
	}

	deactivated, err := r.gateway.MarkInactiveExcept(ctx, state.provider.ID, observed)
	if err != nil {
		slog.ErrorContext(ctx, "stale cleanup failed",
			"provider", state.provider.ID, "err", err)
		state.mu.Lock()
		state.counts.Errors++
		state.mu.Unlock()
		return
	}
	state.mu.Lock()
	state.counts.Removed = deactivated
	state.mu.Unlock()
}

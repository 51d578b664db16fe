package catalog

import (
	"context"
	"time"

	"kidsactivity-backend/services/catalog/db"
)

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

func unixTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}

// StartRun records the beginning of an ingestion run and returns its id.
func (s Service) StartRun(ctx context.Context, startedAt time.Time) (int64, error) {
	return s.qry.CreateScrapeRun(ctx, startedAt.Unix())
}

func (s Service) FinishRun(ctx context.Context, runID int64, finishedAt time.Time, succeeded bool) error {
	status := RunStatusSucceeded
	if !succeeded {
		status = RunStatusFailed
	}
	return s.qry.FinishScrapeRun(ctx, db.FinishScrapeRunParams{
		ID:         runID,
		FinishedAt: finishedAt.Unix(),
		Status:     status,
	})
}

type ProviderCounts struct {
	Created   int64
	Updated   int64
	Unchanged int64
	Removed   int64
	Errors    int64
}

func (s Service) NoteRunProvider(ctx context.Context, runID int64, providerID string, counts ProviderCounts) error {
	return s.qry.NoteRunProvider(ctx, db.NoteRunProviderParams{
		RunID:      runID,
		ProviderID: providerID,
		Created:    counts.Created,
		Updated:    counts.Updated,
		Unchanged:  counts.Unchanged,
		Removed:    counts.Removed,
		Errors:     counts.Errors,
	})
}

package ingestion

import (
	"context"
	"time"

	"kidsactivity-backend/services/catalog"
)

// PersistenceGateway is the slice of the catalog service the pipeline
// writes through. Declared here so tests can substitute a fake without
// a database.
type PersistenceGateway interface {
	Upsert(ctx context.Context, activity catalog.Activity) (catalog.UpsertOutcome, error)
	FindByIdentity(ctx context.Context, providerID string, externalID string) (catalog.Activity, error)
	MarkInactiveExcept(ctx context.Context, providerID string, keptExternalIDs []string) (int64, error)
}

// RunRecorder persists run history. Optional; a nil recorder disables it.
type RunRecorder interface {
	StartRun(ctx context.Context, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, runID int64, finishedAt time.Time, succeeded bool) error
	NoteRunProvider(ctx context.Context, runID int64, providerID string, counts catalog.ProviderCounts) error
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type ActivityRow struct {
	ID                 int64
	ProviderID         string
	ExternalID         string
	Name               string
	Category           string
	CostCents          int64
	AgeMin             sql.NullInt64
	AgeMax             sql.NullInt64
	ScheduleText       string
	SessionsJson       string
	RegistrationStatus string
	LocationRef        string
	DetailUrl          string
	IsActive           bool
	LastSeenAt         int64
	UpdatedAt          int64
	CreatedAt          int64
}

const activityColumns = `id, provider_id, external_id, name, category, cost_cents,
	age_min, age_max, schedule_text, sessions_json, registration_status,
	location_ref, detail_url, is_active, last_seen_at, updated_at, created_at`

func scanActivity(row *sql.Row) (ActivityRow, error) {
	var a ActivityRow
	err := row.Scan(
		&a.ID, &a.ProviderID, &a.ExternalID, &a.Name, &a.Category, &a.CostCents,
		&a.AgeMin, &a.AgeMax, &a.ScheduleText, &a.SessionsJson, &a.RegistrationStatus,
		&a.LocationRef, &a.DetailUrl, &a.IsActive, &a.LastSeenAt, &a.UpdatedAt, &a.CreatedAt,
	)
	return a, err
}

func (q *Queries) GetActivityByIdentity(ctx context.Context, providerID, externalID string) (ActivityRow, error) {
	row := q.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM activities WHERE provider_id = ? AND external_id = ?`,
		activityColumns,
	), providerID, externalID)
	return scanActivity(row)
}

type InsertActivityParams struct {
	ProviderID         string
	ExternalID         string
	Name               string
	Category           string
	CostCents          int64
	AgeMin             sql.NullInt64
	AgeMax             sql.NullInt64
	ScheduleText       string
	SessionsJson       string
	RegistrationStatus string
	LocationRef        string
	DetailUrl          string
	LastSeenAt         int64
	UpdatedAt          int64
	CreatedAt          int64
}

func (q *Queries) InsertActivity(ctx context.Context, params InsertActivityParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO activities (
			provider_id, external_id, name, category, cost_cents,
			age_min, age_max, schedule_text, sessions_json, registration_status,
			location_ref, detail_url, is_active, last_seen_at, updated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		params.ProviderID, params.ExternalID, params.Name, params.Category, params.CostCents,
		params.AgeMin, params.AgeMax, params.ScheduleText, params.SessionsJson, params.RegistrationStatus,
		params.LocationRef, params.DetailUrl, params.LastSeenAt, params.UpdatedAt, params.CreatedAt,
	)
	return err
}

type UpdateActivityParams struct {
	ProviderID         string
	ExternalID         string
	Name               string
	Category           string
	CostCents          int64
	AgeMin             sql.NullInt64
	AgeMax             sql.NullInt64
	ScheduleText       string
	SessionsJson       string
	RegistrationStatus string
	LocationRef        string
	DetailUrl          string
	LastSeenAt         int64
	UpdatedAt          int64
}

// UpdateActivity rewrites the record's content fields. The recency guard
// in the WHERE clause makes an overlapping stale writer a no-op instead
// of a regression.
func (q *Queries) UpdateActivity(ctx context.Context, params UpdateActivityParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE activities SET
			name = ?, category = ?, cost_cents = ?,
			age_min = ?, age_max = ?, schedule_text = ?, sessions_json = ?,
			registration_status = ?, location_ref = ?, detail_url = ?,
			is_active = 1, last_seen_at = ?, updated_at = ?
		WHERE provider_id = ? AND external_id = ? AND last_seen_at <= ?`,
		params.Name, params.Category, params.CostCents,
		params.AgeMin, params.AgeMax, params.ScheduleText, params.SessionsJson,
		params.RegistrationStatus, params.LocationRef, params.DetailUrl,
		params.LastSeenAt, params.UpdatedAt,
		params.ProviderID, params.ExternalID, params.LastSeenAt,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type TouchActivityParams struct {
	ProviderID string
	ExternalID string
	LastSeenAt int64
}

// TouchActivity refreshes last_seen_at (and reactivates) without bumping
// updated_at, the path taken for unchanged observations.
func (q *Queries) TouchActivity(ctx context.Context, params TouchActivityParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE activities SET is_active = 1, last_seen_at = ?
		WHERE provider_id = ? AND external_id = ? AND last_seen_at <= ?`,
		params.LastSeenAt, params.ProviderID, params.ExternalID, params.LastSeenAt,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeactivateProviderActivities flags every active record of the provider
// inactive and returns how many flipped.
func (q *Queries) DeactivateProviderActivities(ctx context.Context, providerID string) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE activities SET is_active = 0 WHERE provider_id = ? AND is_active = 1`,
		providerID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReactivateActivities flags the given external ids of the provider
// active again and returns how many flipped. Callers chunk externalIDs;
// one bind variable is spent per id.
func (q *Queries) ReactivateActivities(ctx context.Context, providerID string, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		`UPDATE activities SET is_active = 1
		WHERE provider_id = ? AND is_active = 0 AND external_id IN (?%s)`,
		strings.Repeat(", ?", len(externalIDs)-1),
	)
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, providerID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) CountActiveActivities(ctx context.Context, providerID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities WHERE provider_id = ? AND is_active = 1`,
		providerID,
	).Scan(&count)
	return count, err
}

func (q *Queries) CreateScrapeRun(ctx context.Context, startedAt int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO scrape_runs (started_at, status) VALUES (?, 'running')`,
		startedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type FinishScrapeRunParams struct {
	ID         int64
	FinishedAt int64
	Status     string
}

func (q *Queries) FinishScrapeRun(ctx context.Context, params FinishScrapeRunParams) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE scrape_runs SET finished_at = ?, status = ? WHERE id = ?`,
		params.FinishedAt, params.Status, params.ID,
	)
	return err
}

type NoteRunProviderParams struct {
	RunID      int64
	ProviderID string
	Created    int64
	Updated    int64
	Unchanged  int64
	Removed    int64
	Errors     int64
}

func (q *Queries) NoteRunProvider(ctx context.Context, params NoteRunProviderParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO scrape_run_providers (run_id, provider_id, created, updated, unchanged, removed, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, provider_id) DO UPDATE SET
			created = excluded.created, updated = excluded.updated,
			unchanged = excluded.unchanged, removed = excluded.removed,
			errors = excluded.errors`,
		params.RunID, params.ProviderID, params.Created, params.Updated,
		params.Unchanged, params.Removed, params.Errors,
	)
	return err
}

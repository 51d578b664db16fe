package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kidsactivity-backend/services/catalog/db"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/catalog")

var ErrNotFound = errors.New("activity not found")

type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	}
	return "unchanged"
}

type Service struct {
	db  *sql.DB
	qry *db.Queries
}

func NewService(database *sql.DB) Service {
	return Service{
		db:  database,
		qry: db.New(database),
	}
}

func rowToActivity(row db.ActivityRow) (Activity, error) {
	var sessions []SessionSlot
	if row.SessionsJson != "" {
		err := json.Unmarshal([]byte(row.SessionsJson), &sessions)
		if err != nil {
			return Activity{}, fmt.Errorf("corrupt sessions_json for %s/%s: %w",
				row.ProviderID, row.ExternalID, err)
		}
	}

	a := Activity{
		ProviderID:   row.ProviderID,
		ExternalID:   row.ExternalID,
		Name:         row.Name,
		Category:     row.Category,
		CostCents:    row.CostCents,
		ScheduleText: row.ScheduleText,
		Sessions:     sessions,
		Status:       RegistrationStatus(row.RegistrationStatus),
		LocationRef:  row.LocationRef,
		DetailUrl:    row.DetailUrl,
		IsActive:     row.IsActive,
		LastSeenAt:   unixTime(row.LastSeenAt),
		UpdatedAt:    unixTime(row.UpdatedAt),
		CreatedAt:    unixTime(row.CreatedAt),
	}
	if row.AgeMin.Valid {
		v := int(row.AgeMin.Int64)
		a.AgeMin = &v
	}
	if row.AgeMax.Valid {
		v := int(row.AgeMax.Int64)
		a.AgeMax = &v
	}
	return a, nil
}

func sessionsJson(sessions []SessionSlot) (string, error) {
	if len(sessions) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(sessions)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func nullableAge(age *int) sql.NullInt64 {
	if age == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*age), Valid: true}
}

func (s Service) FindByIdentity(ctx context.Context, providerID, externalID string) (Activity, error) {
	ctx, span := tracer.Start(ctx, "FindByIdentity")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", providerID),
		attribute.String("external_id", externalID),
	)

	row, err := s.qry.GetActivityByIdentity(ctx, providerID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Activity{}, err
	}
	return rowToActivity(row)
}

// contentEqual reports whether the stored row already carries the
// incoming activity's content. Canonical values are compared exactly;
// normalization happened upstream.
func contentEqual(row db.ActivityRow, incoming Activity, incomingSessions string) bool {
	return row.Name == incoming.Name &&
		row.Category == incoming.Category &&
		row.CostCents == incoming.CostCents &&
		row.AgeMin == nullableAge(incoming.AgeMin) &&
		row.AgeMax == nullableAge(incoming.AgeMax) &&
		row.ScheduleText == incoming.ScheduleText &&
		row.SessionsJson == incomingSessions &&
		row.RegistrationStatus == string(incoming.Status) &&
		row.LocationRef == incoming.LocationRef &&
		row.DetailUrl == incoming.DetailUrl &&
		row.IsActive
}

// Upsert writes one observation of an activity. A record observed with
// identical content only has its last_seen_at refreshed; updated_at
// moves only when content actually changed. Writes never regress a
// newer last_seen_at, so overlapping runs converge on the freshest
// observation.
func (s Service) Upsert(ctx context.Context, incoming Activity) (UpsertOutcome, error) {
	ctx, span := tracer.Start(ctx, "Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", incoming.ProviderID),
		attribute.String("external_id", incoming.ExternalID),
	)

	sessions, err := sessionsJson(incoming.Sessions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode sessions")
		return UpsertUnchanged, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UpsertUnchanged, err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	outcome := UpsertUnchanged

	existing, err := txqry.GetActivityByIdentity(ctx, incoming.ProviderID, incoming.ExternalID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = txqry.InsertActivity(ctx, db.InsertActivityParams{
			ProviderID:         incoming.ProviderID,
			ExternalID:         incoming.ExternalID,
			Name:               incoming.Name,
			Category:           incoming.Category,
			CostCents:          incoming.CostCents,
			AgeMin:             nullableAge(incoming.AgeMin),
			AgeMax:             nullableAge(incoming.AgeMax),
			ScheduleText:       incoming.ScheduleText,
			SessionsJson:       sessions,
			RegistrationStatus: string(incoming.Status),
			LocationRef:        incoming.LocationRef,
			DetailUrl:          incoming.DetailUrl,
			LastSeenAt:         incoming.LastSeenAt.Unix(),
			UpdatedAt:          incoming.UpdatedAt.Unix(),
			CreatedAt:          incoming.LastSeenAt.Unix(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "insert failed")
			return UpsertUnchanged, err
		}
		outcome = UpsertCreated

	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UpsertUnchanged, err

	case existing.LastSeenAt > incoming.LastSeenAt.Unix():
		// a fresher observation already landed; drop this one

	case contentEqual(existing, incoming, sessions):
		_, err = txqry.TouchActivity(ctx, db.TouchActivityParams{
			ProviderID: incoming.ProviderID,
			ExternalID: incoming.ExternalID,
			LastSeenAt: incoming.LastSeenAt.Unix(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "touch failed")
			return UpsertUnchanged, err
		}

	default:
		affected, err := txqry.UpdateActivity(ctx, db.UpdateActivityParams{
			ProviderID:         incoming.ProviderID,
			ExternalID:         incoming.ExternalID,
			Name:               incoming.Name,
			Category:           incoming.Category,
			CostCents:          incoming.CostCents,
			AgeMin:             nullableAge(incoming.AgeMin),
			AgeMax:             nullableAge(incoming.AgeMax),
			ScheduleText:       incoming.ScheduleText,
			SessionsJson:       sessions,
			RegistrationStatus: string(incoming.Status),
			LocationRef:        incoming.LocationRef,
			DetailUrl:          incoming.DetailUrl,
			LastSeenAt:         incoming.LastSeenAt.Unix(),
			UpdatedAt:          incoming.UpdatedAt.Unix(),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "update failed")
			return UpsertUnchanged, err
		}
		if affected > 0 {
			outcome = UpsertUpdated
		}
	}

	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UpsertUnchanged, err
	}

	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return outcome, nil
}

// keys per reactivation statement, comfortably under SQLite's bind
// variable limit
const keptChunkSize = 500

// MarkInactiveExcept deactivates every active record of the provider
// whose external id was not observed this run. Other providers' records
// are untouched. Done in two phases inside one transaction: flip the
// whole provider inactive, then flip the observed ids back in chunks,
// so a provider with thousands of listings never overflows the bind
// variable limit of a single NOT IN list.
func (s Service) MarkInactiveExcept(ctx context.Context, providerID string, keptExternalIDs []string) (int64, error) {
	ctx, span := tracer.Start(ctx, "MarkInactiveExcept")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", providerID),
		attribute.Int("kept", len(keptExternalIDs)),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	flipped, err := txqry.DeactivateProviderActivities(ctx, providerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deactivate failed")
		return 0, err
	}

	var kept int64
	for start := 0; start < len(keptExternalIDs); start += keptChunkSize {
		end := min(start+keptChunkSize, len(keptExternalIDs))
		reactivated, err := txqry.ReactivateActivities(ctx, providerID, keptExternalIDs[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reactivate failed")
			return 0, err
		}
		kept += reactivated
	}

	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	deactivated := flipped - kept
	span.SetAttributes(attribute.Int64("deactivated", deactivated))
	return deactivated, nil
}

func (s Service) CountActive(ctx context.Context, providerID string) (int64, error) {
	return s.qry.CountActiveActivities(ctx, providerID)
}

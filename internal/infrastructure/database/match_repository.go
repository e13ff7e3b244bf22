package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/sequence-correlator/internal/domain/correlation"
	"github.com/davidleathers/sequence-correlator/internal/domain/errors"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
)

const matchesTable = "correlation_matches"

// MaxListLimit caps the rows returned by a list query
const MaxListLimit = 500

// MatchRepository stores emitted matches in PostgreSQL
type MatchRepository struct {
	db     DBTX
	tracer trace.Tracer
}

// NewMatchRepository creates a repository on db
func NewMatchRepository(db DBTX) *MatchRepository {
	return &MatchRepository{
		db:     db,
		tracer: otel.Tracer("database.matches"),
	}
}

// Save inserts a match record. Saving the same match twice is a no-op.
func (r *MatchRepository) Save(ctx context.Context, rec correlation.MatchRecord) error {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "INSERT", matchesTable)
	defer span.End()

	query := `
		INSERT INTO correlation_matches (
			id, rule, partition_key, num_sequences, matched_at, summary, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.Rule, rec.PartitionKey, rec.NumSequences,
		rec.MatchedAt, rec.Summary, []byte(rec.Payload),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return fmt.Errorf("failed to save match %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads one match by id
func (r *MatchRepository) Get(ctx context.Context, id uuid.UUID) (correlation.MatchRecord, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "SELECT", matchesTable)
	defer span.End()

	query := `
		SELECT id, rule, partition_key, num_sequences, matched_at, summary, payload
		FROM correlation_matches
		WHERE id = $1`

	rec, err := scanMatch(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return correlation.MatchRecord{}, errors.NewNotFoundError("match").
			WithDetails(map[string]any{"id": id.String()})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return correlation.MatchRecord{}, fmt.Errorf("failed to get match %s: %w", id, err)
	}
	return rec, nil
}

// ListFilter narrows ListByRule
type ListFilter struct {
	PartitionKey string
	Since        time.Time
	Limit        int
}

// ListByRule returns the newest matches of rule first
func (r *MatchRepository) ListByRule(ctx context.Context, rule string, filter ListFilter) ([]correlation.MatchRecord, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "SELECT", matchesTable)
	defer span.End()

	limit := filter.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT id, rule, partition_key, num_sequences, matched_at, summary, payload
		FROM correlation_matches
		WHERE rule = $1
		  AND ($2 = '' OR partition_key = $2)
		  AND matched_at >= $3
		ORDER BY matched_at DESC, id
		LIMIT $4`

	rows, err := r.db.Query(ctx, query, rule, filter.PartitionKey, filter.Since, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, fmt.Errorf("failed to list matches of %s: %w", rule, err)
	}
	defer rows.Close()

	out := make([]correlation.MatchRecord, 0)
	for rows.Next() {
		rec, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate matches: %w", err)
	}
	return out, nil
}

// DeleteBefore removes matches older than cutoff and returns how many were removed
func (r *MatchRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "DELETE", matchesTable)
	defer span.End()

	tag, err := r.db.Exec(ctx, `DELETE FROM correlation_matches WHERE matched_at < $1`, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return 0, fmt.Errorf("failed to delete old matches: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMatch(row pgx.Row) (correlation.MatchRecord, error) {
	var (
		rec     correlation.MatchRecord
		payload []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Rule, &rec.PartitionKey, &rec.NumSequences,
		&rec.MatchedAt, &rec.Summary, &payload,
	)
	if err != nil {
		return correlation.MatchRecord{}, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.MatchedAt = rec.MatchedAt.UTC()
	return rec, nil
}

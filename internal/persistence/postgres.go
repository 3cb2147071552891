package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const pqUndefinedTable = "42P01"

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Backend() string {
	return "postgres"
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec Record) (WriteResult, error) {
	attrs, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return WriteUnchanged, err
	}

	// xmax is zero only for a freshly inserted row
	query := `
		INSERT INTO message_records (
			message_id, outcome, stage, reason, error, source, sequence,
			payload, attributes, pipeline, pipeline_version, message_timestamp, stored_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			stage = EXCLUDED.stage,
			reason = EXCLUDED.reason,
			error = EXCLUDED.error,
			source = EXCLUDED.source,
			sequence = EXCLUDED.sequence,
			payload = EXCLUDED.payload,
			attributes = EXCLUDED.attributes,
			pipeline = EXCLUDED.pipeline,
			pipeline_version = EXCLUDED.pipeline_version,
			message_timestamp = EXCLUDED.message_timestamp,
			stored_at = EXCLUDED.stored_at
		WHERE message_records.outcome IS DISTINCT FROM EXCLUDED.outcome
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err = r.db.QueryRowContext(ctx, query,
		rec.MessageID, rec.Outcome, rec.Stage, rec.Reason, rec.Error, rec.Source, int64(rec.Sequence),
		nullableBytes(rec.Payload), attrs, rec.Pipeline, rec.PipelineVersion, rec.MessageTimestamp, rec.StoredAt,
	).Scan(&inserted)

	if errors.Is(err, sql.ErrNoRows) {
		return WriteUnchanged, nil
	}
	if err != nil {
		return WriteUnchanged, wrapPostgresError("upsert record", err)
	}
	if inserted {
		return WriteCreated, nil
	}
	return WriteUpdated, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT message_id, outcome, stage, reason, error, source, sequence,
			payload, attributes, pipeline, pipeline_version, message_timestamp, stored_at
		FROM message_records
		WHERE message_id = $1
	`

	var (
		rec   Record
		seq   int64
		attrs []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.MessageID, &rec.Outcome, &rec.Stage, &rec.Reason, &rec.Error, &rec.Source, &seq,
		&rec.Payload, &attrs, &rec.Pipeline, &rec.PipelineVersion, &rec.MessageTimestamp, &rec.StoredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgresError("get record", err)
	}

	rec.Sequence = uint64(seq)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	return &rec, nil
}

func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_records`).Scan(&n); err != nil {
		return 0, wrapPostgresError("count records", err)
	}
	return n, nil
}

// marshalAttributes returns an untyped nil for empty attributes: lib/pq sends
// a nil []byte as an empty string, which jsonb rejects.
func marshalAttributes(attrs map[string]interface{}) (interface{}, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: attributes: %w", ErrEncode, err)
	}
	return string(data), nil
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

func wrapPostgresError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable {
		return fmt.Errorf("failed to %s: schema not migrated: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

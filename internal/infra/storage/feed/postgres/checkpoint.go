// Package postgres persists the sync pipeline's durable state and staging
// tables in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage"
)

// Schema holds every table the pipeline reads or writes.
const Schema = "gtfs"

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
	attribute.String("db.schema", Schema),
}

func dbAttributes(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs, extra...)
}

var _ feed.CheckpointRepository = (*checkpointStore)(nil)

// checkpointStore keeps the single last_checked timestamp.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a checkpoint store on pool.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

// Load returns the stored checkpoint, or the Unix epoch when none exists.
func (s *checkpointStore) Load(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_checkpoint", dbAttributes(), func(ctx context.Context) error {
		const q = `SELECT COALESCE(MAX(last_modified), 'epoch'::timestamptz) FROM gtfs.last_checked`
		if err := s.pool.QueryRow(ctx, q).Scan(&ts); err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		return nil
	})
	return ts.UTC(), err
}

// Save updates the existing checkpoint row or inserts one if the table is
// empty. Both happen in one transaction so the table never holds two rows.
func (s *checkpointStore) Save(ctx context.Context, ts time.Time) error {
	attrs := dbAttributes(attribute.String("checkpoint", ts.UTC().Format(time.RFC3339)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint", attrs, func(ctx context.Context) error {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			// Serializes concurrent writers on an empty table.
			if _, err := tx.Exec(ctx, `LOCK TABLE gtfs.last_checked IN SHARE ROW EXCLUSIVE MODE`); err != nil {
				return err
			}

			tag, err := tx.Exec(ctx, `UPDATE gtfs.last_checked SET last_modified = $1`, ts)
			if err != nil {
				return err
			}
			if tag.RowsAffected() > 0 {
				return nil
			}

			_, err = tx.Exec(ctx, `INSERT INTO gtfs.last_checked (last_modified) VALUES ($1)`, ts)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

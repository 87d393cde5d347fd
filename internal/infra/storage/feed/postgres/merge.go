package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage"
)

// MergeProcedure is the stored function that folds the staging tables into
// the canonical tables.
const MergeProcedure = "gtfs.perform_gtfs_upserts"

var _ feed.Merger = (*merger)(nil)

type merger struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewMerger creates a merger that invokes MergeProcedure on pool.
func NewMerger(pool *pgxpool.Pool, tracer trace.Tracer) *merger {
	return &merger{pool: pool, tracer: tracer}
}

// Merge runs the merge procedure and returns the rows it reports affected.
// Errors raised by the server are returned as *feed.BackendError.
func (m *merger) Merge(ctx context.Context) (int64, error) {
	var affected int64
	attrs := dbAttributes(attribute.String("db.operation", MergeProcedure))
	err := storage.ExecuteAndTrace(ctx, m.tracer, "postgres.merge", attrs, func(ctx context.Context) error {
		if err := m.pool.QueryRow(ctx, "SELECT "+MergeProcedure+"()").Scan(&affected); err != nil {
			return asBackendError(err)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("rows_affected", affected))
		return nil
	})
	return affected, err
}

func asBackendError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("failed to run merge procedure: %w", err)
	}
	return &feed.BackendError{
		Code:    pgErr.Code,
		Message: pgErr.Message,
		Detail:  pgErr.Detail,
		Where:   pgErr.Where,
		Err:     err,
	}
}

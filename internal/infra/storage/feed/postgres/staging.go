package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage"
)

// StagingSuffix is appended to a table name to form its staging table.
const StagingSuffix = "_staging"

var _ feed.StagingRepository = (*stagingStore)(nil)

type stagingStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStagingStore creates a staging store on pool.
func NewStagingStore(pool *pgxpool.Pool, tracer trace.Tracer) *stagingStore {
	return &stagingStore{pool: pool, tracer: tracer}
}

// StagingTable returns the qualified staging table identifier for table.
func StagingTable(table string) pgx.Identifier {
	return pgx.Identifier{Schema, table + StagingSuffix}
}

// Replace drops and recreates the staging table for t with t's columns, then
// bulk loads every row. The whole replacement is one transaction, so a
// failure leaves the previous staging contents in place.
func (s *stagingStore) Replace(ctx context.Context, t *feed.Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q has no columns", t.Name)
	}

	ident := StagingTable(t.Name)
	attrs := dbAttributes(
		attribute.String("table", t.Name),
		attribute.Int("row_count", len(t.Rows)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.replace_staging", attrs, func(ctx context.Context) error {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident.Sanitize()); err != nil {
				return fmt.Errorf("drop: %w", err)
			}
			if _, err := tx.Exec(ctx, createTableSQL(ident, t.Columns)); err != nil {
				return fmt.Errorf("create: %w", err)
			}
			if len(t.Rows) == 0 {
				return nil
			}

			n, err := tx.CopyFrom(ctx, ident, t.ColumnNames(), pgx.CopyFromRows(t.Rows))
			if err != nil {
				return fmt.Errorf("copy: %w", err)
			}
			if int(n) != len(t.Rows) {
				return fmt.Errorf("copied %d of %d rows", n, len(t.Rows))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to replace staging table %s: %w", ident.Sanitize(), err)
		}
		return nil
	})
}

func createTableSQL(ident pgx.Identifier, cols []feed.Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(ident.Sanitize())
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{c.Name}.Sanitize())
		b.WriteByte(' ')
		b.WriteString(columnType(c.Kind))
	}
	b.WriteString(")")
	return b.String()
}

func columnType(k feed.Kind) string {
	switch k {
	case feed.KindInteger:
		return "BIGINT"
	case feed.KindFloat:
		return "DOUBLE PRECISION"
	case feed.KindTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

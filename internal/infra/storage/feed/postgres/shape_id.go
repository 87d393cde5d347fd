package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage"
)

var _ feed.ShapeIDRepository = (*shapeIDStore)(nil)

// shapeIDStore persists the append-only shape id mapping. Rows are only ever
// inserted; the table's unique constraints reject any reassignment.
type shapeIDStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewShapeIDStore creates a shape id mapping store on pool.
func NewShapeIDStore(pool *pgxpool.Pool, tracer trace.Tracer) *shapeIDStore {
	return &shapeIDStore{pool: pool, tracer: tracer}
}

// LoadAll returns every mapping ordered by numeric id.
func (s *shapeIDStore) LoadAll(ctx context.Context) ([]feed.ShapeIDMapping, error) {
	var mappings []feed.ShapeIDMapping
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_shape_ids", dbAttributes(), func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT original_id, shape_id FROM gtfs.shape_id_map ORDER BY shape_id`)
		if err != nil {
			return fmt.Errorf("failed to query shape id mapping: %w", err)
		}

		mappings, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (feed.ShapeIDMapping, error) {
			var m feed.ShapeIDMapping
			err := row.Scan(&m.OriginalID, &m.ShapeID)
			return m, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan shape id mapping: %w", err)
		}
		return nil
	})
	return mappings, err
}

// Append inserts new mappings with COPY. A mapping that collides with an
// existing original or numeric id fails the whole batch.
func (s *shapeIDStore) Append(ctx context.Context, mappings []feed.ShapeIDMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	attrs := dbAttributes(attribute.Int("mapping_count", len(mappings)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_shape_ids", attrs, func(ctx context.Context) error {
		n, err := s.pool.CopyFrom(ctx,
			pgx.Identifier{Schema, "shape_id_map"},
			[]string{"original_id", "shape_id"},
			pgx.CopyFromSlice(len(mappings), func(i int) ([]any, error) {
				return []any{mappings[i].OriginalID, mappings[i].ShapeID}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to append shape id mapping: %w", err)
		}
		if int(n) != len(mappings) {
			return fmt.Errorf("appended %d of %d shape id mappings", n, len(mappings))
		}
		return nil
	})
}

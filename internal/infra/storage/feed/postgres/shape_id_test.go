package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage"
)

func TestShapeIDStore_AppendAndLoad(t *testing.T) {
	t.Parallel()

	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewShapeIDStore(db, storage.NoOpTracer())

	empty, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Append(ctx, []feed.ShapeIDMapping{
		{OriginalID: "5", ShapeID: 2},
		{OriginalID: "A1", ShapeID: 1},
	}))
	require.NoError(t, store.Append(ctx, nil))

	got, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []feed.ShapeIDMapping{
		{OriginalID: "A1", ShapeID: 1},
		{OriginalID: "5", ShapeID: 2},
	}, got)
}

func TestShapeIDStore_RejectsReassignment(t *testing.T) {
	t.Parallel()

	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewShapeIDStore(db, storage.NoOpTracer())

	require.NoError(t, store.Append(ctx, []feed.ShapeIDMapping{{OriginalID: "A1", ShapeID: 1}}))

	err := store.Append(ctx, []feed.ShapeIDMapping{{OriginalID: "A1", ShapeID: 7}})
	require.Error(t, err)

	err = store.Append(ctx, []feed.ShapeIDMapping{{OriginalID: "B2", ShapeID: 1}})
	require.Error(t, err)

	got, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []feed.ShapeIDMapping{{OriginalID: "A1", ShapeID: 1}}, got)
}

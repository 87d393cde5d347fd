package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

type mockSource struct{ mock.Mock }

func (m *mockSource) LastModified(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *mockSource) Fetch(ctx context.Context) (*feed.Snapshot, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*feed.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockCheckpoints struct{ mock.Mock }

func (m *mockCheckpoints) Load(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *mockCheckpoints) Save(ctx context.Context, ts time.Time) error {
	return m.Called(ctx, ts).Error(0)
}

type mockShapeIDs struct{ mock.Mock }

func (m *mockShapeIDs) LoadAll(ctx context.Context) ([]feed.ShapeIDMapping, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]feed.ShapeIDMapping), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockShapeIDs) Append(ctx context.Context, mappings []feed.ShapeIDMapping) error {
	return m.Called(ctx, mappings).Error(0)
}

type mockStaging struct{ mock.Mock }

func (m *mockStaging) Replace(ctx context.Context, table *feed.Table) error {
	return m.Called(ctx, table).Error(0)
}

type mockMerger struct{ mock.Mock }

func (m *mockMerger) Merge(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// fakeArchive serves raw tables from memory in a fixed member order.
type fakeArchive struct {
	members []string
	tables  map[string]*feed.RawTable
}

func (a *fakeArchive) Members() []string { return a.members }

func (a *fakeArchive) Read(member string) (*feed.RawTable, error) {
	tbl, ok := a.tables[member]
	if !ok {
		return nil, fmt.Errorf("no member %s", member)
	}
	return tbl, nil
}

func sampleArchive() *fakeArchive {
	return &fakeArchive{
		members: []string{"routes.txt", "stops.txt", "shapes.txt"},
		tables: map[string]*feed.RawTable{
			"routes.txt": {
				Name:    "routes",
				Header:  []string{"route_id", "route_short_name", "route_type", "route_color"},
				Records: [][]string{{"1", "1", "3", "FF0000"}},
			},
			"stops.txt": {
				Name:    "stops",
				Header:  []string{"stop_id", "stop_name", "stop_lat", "stop_lon", "zone_id"},
				Records: [][]string{{"1", "Ala Moana", "21.29", "-157.84", "A"}},
			},
			"shapes.txt": {
				Name:   "shapes",
				Header: []string{"shape_id", "shape_pt_lat", "shape_pt_lon", "shape_pt_sequence"},
				Records: [][]string{
					{"A1", "21.30", "-157.80", "1"},
					{"A1", "21.31", "-157.81", "2"},
					{"5", "21.40", "-157.90", "1"},
					{"5", "21.41", "-157.91", "2"},
				},
			},
		},
	}
}

type runnerFixture struct {
	source      *mockSource
	checkpoints *mockCheckpoints
	shapeIDs    *mockShapeIDs
	staging     *mockStaging
	merger      *mockMerger
	archive     *fakeArchive
	startedAt   time.Time
	runner      *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	f := &runnerFixture{
		source:      new(mockSource),
		checkpoints: new(mockCheckpoints),
		shapeIDs:    new(mockShapeIDs),
		staging:     new(mockStaging),
		merger:      new(mockMerger),
		archive:     sampleArchive(),
		startedAt:   time.Date(2024, 3, 16, 8, 0, 0, 0, time.UTC),
	}

	metrics, err := NewPipelineMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	loc, err := time.LoadLocation(feed.DefaultTimezone)
	require.NoError(t, err)

	f.runner = NewRunner(
		Dependencies{
			Source:      f.source,
			OpenArchive: func(*feed.Snapshot) (feed.Archive, error) { return f.archive, nil },
			Checkpoints: f.checkpoints,
			ShapeIDs:    f.shapeIDs,
			Staging:     f.staging,
			Merger:      f.merger,
		},
		Config{Location: loc, ShapeIDPolicy: feed.ShapeIDPolicyResolveAll},
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
		metrics,
	)
	f.runner.now = func() time.Time { return f.startedAt }

	return f
}

func (f *runnerFixture) expectChanged() {
	checkpoint := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.source.On("LastModified", mock.Anything).Return(checkpoint.Add(24*time.Hour), nil).Once()
	f.checkpoints.On("Load", mock.Anything).Return(checkpoint, nil).Once()
	f.source.On("Fetch", mock.Anything).
		Return(&feed.Snapshot{Data: []byte("zip"), LastModified: checkpoint.Add(24 * time.Hour)}, nil).Once()
}

func (f *runnerFixture) assertAll(t *testing.T) {
	f.source.AssertExpectations(t)
	f.checkpoints.AssertExpectations(t)
	f.shapeIDs.AssertExpectations(t)
	f.staging.AssertExpectations(t)
	f.merger.AssertExpectations(t)
}

func TestRunner_UnchangedShortCircuits(t *testing.T) {
	f := newRunnerFixture(t)

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.source.On("LastModified", mock.Anything).Return(ts, nil).Once()
	f.checkpoints.On("Load", mock.Anything).Return(ts, nil).Once()

	status := f.runner.Run(context.Background(), false)

	assert.Equal(t, feed.Success("File unchanged since last ETL."), status)
	f.source.AssertNotCalled(t, "Fetch", mock.Anything)
	f.shapeIDs.AssertNotCalled(t, "LoadAll", mock.Anything)
	f.staging.AssertNotCalled(t, "Replace", mock.Anything, mock.Anything)
	f.merger.AssertNotCalled(t, "Merge", mock.Anything)
	f.checkpoints.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRunner_EndToEnd(t *testing.T) {
	f := newRunnerFixture(t)
	f.expectChanged()

	var calls []string
	staged := map[string]*feed.Table{}

	f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping(nil), nil).Once()
	f.shapeIDs.On("Append", mock.Anything, []feed.ShapeIDMapping{
		{OriginalID: "A1", ShapeID: feed.FirstShapeID},
		{OriginalID: "5", ShapeID: feed.FirstShapeID + 1},
	}).Run(func(mock.Arguments) { calls = append(calls, "append") }).Return(nil).Once()
	f.staging.On("Replace", mock.Anything, mock.AnythingOfType("*feed.Table")).
		Run(func(args mock.Arguments) {
			tbl := args.Get(1).(*feed.Table)
			staged[tbl.Name] = tbl
			calls = append(calls, "stage:"+tbl.Name)
		}).Return(nil).Times(3)
	f.merger.On("Merge", mock.Anything).
		Run(func(mock.Arguments) { calls = append(calls, "merge") }).Return(int64(6), nil).Once()
	f.checkpoints.On("Save", mock.Anything, f.startedAt).
		Run(func(mock.Arguments) { calls = append(calls, "checkpoint") }).Return(nil).Once()

	status := f.runner.Run(context.Background(), false)

	require.True(t, status.Succeeded(), status.Message)
	assert.Equal(t, "GTFS updated. Rows affected is 6", status.Message)
	assert.Equal(t,
		[]string{"stage:routes", "stage:stops", "append", "stage:shapes", "merge", "checkpoint"},
		calls, "new shape ids persist before the shapes table is staged")

	shapes := staged["shapes"]
	require.NotNil(t, shapes)
	require.Len(t, shapes.Rows, 4)

	ids := map[int64]int{}
	idIdx := shapes.ColumnIndex("shape_id")
	for _, row := range shapes.Rows {
		ids[row[idIdx].(int64)]++
	}
	assert.Equal(t, map[int64]int{feed.FirstShapeID: 2, feed.FirstShapeID + 1: 2}, ids)

	assert.False(t, staged["routes"].HasColumn("route_color"))
	assert.False(t, staged["stops"].HasColumn("zone_id"))
	f.assertAll(t)
}

func TestRunner_SecondRunAllocatesNothing(t *testing.T) {
	f := newRunnerFixture(t)
	f.expectChanged()

	f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping{
		{OriginalID: "A1", ShapeID: feed.FirstShapeID},
		{OriginalID: "5", ShapeID: feed.FirstShapeID + 1},
	}, nil).Once()
	f.staging.On("Replace", mock.Anything, mock.Anything).Return(nil).Times(3)
	f.merger.On("Merge", mock.Anything).Return(int64(0), nil).Once()
	f.checkpoints.On("Save", mock.Anything, f.startedAt).Return(nil).Once()

	status := f.runner.Run(context.Background(), false)

	require.True(t, status.Succeeded(), status.Message)
	assert.Equal(t, "GTFS updated. Rows affected is 0", status.Message)
	f.shapeIDs.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRunner_ForceSkipsDetection(t *testing.T) {
	f := newRunnerFixture(t)

	f.source.On("Fetch", mock.Anything).Return(&feed.Snapshot{Data: []byte("zip")}, nil).Once()
	f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping(nil), nil).Once()
	f.shapeIDs.On("Append", mock.Anything, mock.Anything).Return(nil).Once()
	f.staging.On("Replace", mock.Anything, mock.Anything).Return(nil).Times(3)
	f.merger.On("Merge", mock.Anything).Return(int64(6), nil).Once()
	f.checkpoints.On("Save", mock.Anything, f.startedAt).Return(nil).Once()

	status := f.runner.Run(context.Background(), true)

	require.True(t, status.Succeeded(), status.Message)
	f.source.AssertNotCalled(t, "LastModified", mock.Anything)
	f.checkpoints.AssertNotCalled(t, "Load", mock.Anything)
	f.assertAll(t)
}

func TestRunner_ProbeFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.source.On("LastModified", mock.Anything).Return(time.Time{}, errors.New("dial tcp: timeout")).Once()

	status := f.runner.Run(context.Background(), false)

	assert.Equal(t, feed.OutcomeFailed, status.Status)
	assert.Contains(t, status.Message, "Unable to fetch GTFS file. Error:")
	assert.Contains(t, status.Message, "dial tcp: timeout")
	f.source.AssertNotCalled(t, "Fetch", mock.Anything)
	f.assertAll(t)
}

func TestRunner_FetchFailure(t *testing.T) {
	f := newRunnerFixture(t)

	checkpoint := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.source.On("LastModified", mock.Anything).Return(checkpoint.Add(time.Hour), nil).Once()
	f.checkpoints.On("Load", mock.Anything).Return(checkpoint, nil).Once()
	f.source.On("Fetch", mock.Anything).
		Return(nil, &feed.HTTPStatusError{Method: "GET", URL: "http://feed", StatusCode: 503}).Once()

	status := f.runner.Run(context.Background(), false)

	assert.Equal(t, feed.OutcomeFailed, status.Status)
	assert.Contains(t, status.Message, "Unable to fetch GTFS file. Error:")
	assert.Contains(t, status.Message, "503")
	f.shapeIDs.AssertNotCalled(t, "LoadAll", mock.Anything)
	f.checkpoints.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRunner_StagingFailureStopsRemainingTables(t *testing.T) {
	f := newRunnerFixture(t)
	f.expectChanged()

	f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping(nil), nil).Once()
	f.staging.On("Replace", mock.Anything, mock.MatchedBy(func(tbl *feed.Table) bool { return tbl.Name == "routes" })).
		Return(nil).Once()
	f.staging.On("Replace", mock.Anything, mock.MatchedBy(func(tbl *feed.Table) bool { return tbl.Name == "stops" })).
		Return(errors.New("disk full")).Once()

	status := f.runner.Run(context.Background(), false)

	assert.Equal(t, feed.Failure("Unable to load stops.txt. Error: disk full"), status)
	f.shapeIDs.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	f.merger.AssertNotCalled(t, "Merge", mock.Anything)
	f.checkpoints.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRunner_TransformFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.expectChanged()
	f.archive.tables["routes.txt"].Records = [][]string{{"1", "1", "bus", ""}}

	f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping(nil), nil).Once()

	status := f.runner.Run(context.Background(), false)

	assert.Equal(t, feed.OutcomeFailed, status.Status)
	assert.Contains(t, status.Message, "Unable to load routes.txt. Error:")
	f.staging.AssertNotCalled(t, "Replace", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRunner_CorruptMappingFails(t *testing.T) {
	f := newRunnerFixture(t)
	f.expectChanged()

	f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping{
		{OriginalID: "a", ShapeID: feed.FirstShapeID},
		{OriginalID: "b", ShapeID: feed.FirstShapeID},
	}, nil).Once()

	status := f.runner.Run(context.Background(), false)

	assert.Equal(t, feed.OutcomeFailed, status.Status)
	assert.Contains(t, status.Message, feed.ErrShapeIDInvariant.Error())
	f.staging.AssertNotCalled(t, "Replace", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRunner_MergeFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name: "backend",
			err: &feed.BackendError{
				Code:    "23502",
				Message: `null value in column "route_id"`,
				Where:   "PL/pgSQL function gtfs.perform_gtfs_upserts()",
			},
			wantMsg: `Unable to run upsert procedure: backend error 23502: null value in column "route_id" at PL/pgSQL function gtfs.perform_gtfs_upserts()`,
		},
		{
			name:    "generic",
			err:     errors.New("conn closed"),
			wantMsg: "Unable to run upsert procedure: unexpected error: conn closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t)
			f.expectChanged()

			f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping(nil), nil).Once()
			f.shapeIDs.On("Append", mock.Anything, mock.Anything).Return(nil).Once()
			f.staging.On("Replace", mock.Anything, mock.Anything).Return(nil).Times(3)
			f.merger.On("Merge", mock.Anything).Return(int64(0), tt.err).Once()

			status := f.runner.Run(context.Background(), false)

			assert.Equal(t, feed.Failure(tt.wantMsg), status)
			f.checkpoints.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
			f.assertAll(t)
		})
	}
}

func TestRunner_CheckpointFailureReported(t *testing.T) {
	f := newRunnerFixture(t)
	f.expectChanged()

	f.shapeIDs.On("LoadAll", mock.Anything).Return([]feed.ShapeIDMapping(nil), nil).Once()
	f.shapeIDs.On("Append", mock.Anything, mock.Anything).Return(nil).Once()
	f.staging.On("Replace", mock.Anything, mock.Anything).Return(nil).Times(3)
	f.merger.On("Merge", mock.Anything).Return(int64(6), nil).Once()
	f.checkpoints.On("Save", mock.Anything, f.startedAt).Return(errors.New("permission denied")).Once()

	status := f.runner.Run(context.Background(), false)

	assert.Equal(t,
		feed.Failure("Unable to update last_checked timestamp in gtfs.last_checked: permission denied"),
		status)
	f.assertAll(t)
}

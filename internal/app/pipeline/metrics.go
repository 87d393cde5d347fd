package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
)

// PipelineMetrics records the outcome and volume of pipeline runs.
type PipelineMetrics interface {
	IncRuns(ctx context.Context, outcome feed.Outcome)
	IncRunsUnchanged(ctx context.Context)
	ObserveRunDuration(ctx context.Context, d time.Duration)

	IncTablesStaged(ctx context.Context, table string)
	AddRowsStaged(ctx context.Context, table string, rows int)

	AddShapeIDsAllocated(ctx context.Context, n int)
	AddShapeDuplicatesRemoved(ctx context.Context, n int)

	RecordMergeRowsAffected(ctx context.Context, rows int64)
}

type pipelineMetrics struct {
	runs          metric.Int64Counter
	runsUnchanged metric.Int64Counter
	runDuration   metric.Float64Histogram

	tablesStaged metric.Int64Counter
	rowsStaged   metric.Int64Counter

	shapeIDsAllocated      metric.Int64Counter
	shapeDuplicatesRemoved metric.Int64Counter
	mergeRowsAffected      metric.Int64Histogram
}

const namespace = "gtfs_sync"

// NewPipelineMetrics registers the pipeline instruments on mp.
func NewPipelineMetrics(mp metric.MeterProvider) (*pipelineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(pipelineMetrics)
	var err error

	if m.runs, err = meter.Int64Counter(
		"runs_total",
		metric.WithDescription("Total number of pipeline runs by terminal status"),
	); err != nil {
		return nil, err
	}

	if m.runsUnchanged, err = meter.Int64Counter(
		"runs_unchanged_total",
		metric.WithDescription("Total number of runs that stopped because the feed was unchanged"),
	); err != nil {
		return nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Wall time of a pipeline run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200),
	); err != nil {
		return nil, err
	}

	if m.tablesStaged, err = meter.Int64Counter(
		"tables_staged_total",
		metric.WithDescription("Total number of staging tables replaced"),
	); err != nil {
		return nil, err
	}

	if m.rowsStaged, err = meter.Int64Counter(
		"rows_staged_total",
		metric.WithDescription("Total number of rows copied into staging tables"),
	); err != nil {
		return nil, err
	}

	if m.shapeIDsAllocated, err = meter.Int64Counter(
		"shape_ids_allocated_total",
		metric.WithDescription("Total number of new numeric shape ids allocated"),
	); err != nil {
		return nil, err
	}

	if m.shapeDuplicatesRemoved, err = meter.Int64Counter(
		"shape_duplicates_removed_total",
		metric.WithDescription("Total number of duplicate shape points dropped during transform"),
	); err != nil {
		return nil, err
	}

	if m.mergeRowsAffected, err = meter.Int64Histogram(
		"merge_rows_affected",
		metric.WithDescription("Rows affected by each merge into canonical tables"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *pipelineMetrics) IncRuns(ctx context.Context, outcome feed.Outcome) {
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(outcome))))
}

func (m *pipelineMetrics) IncRunsUnchanged(ctx context.Context) { m.runsUnchanged.Add(ctx, 1) }

func (m *pipelineMetrics) ObserveRunDuration(ctx context.Context, d time.Duration) {
	m.runDuration.Record(ctx, d.Seconds())
}

func (m *pipelineMetrics) IncTablesStaged(ctx context.Context, table string) {
	m.tablesStaged.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}

func (m *pipelineMetrics) AddRowsStaged(ctx context.Context, table string, rows int) {
	m.rowsStaged.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("table", table)))
}

func (m *pipelineMetrics) AddShapeIDsAllocated(ctx context.Context, n int) {
	m.shapeIDsAllocated.Add(ctx, int64(n))
}

func (m *pipelineMetrics) AddShapeDuplicatesRemoved(ctx context.Context, n int) {
	m.shapeDuplicatesRemoved.Add(ctx, int64(n))
}

func (m *pipelineMetrics) RecordMergeRowsAffected(ctx context.Context, rows int64) {
	m.mergeRowsAffected.Record(ctx, rows)
}

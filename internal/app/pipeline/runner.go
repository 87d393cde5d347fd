// Package pipeline sequences a single feed sync run: change detection,
// archive retrieval, per-table transform and staging, the server-side merge
// and the checkpoint advance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

// Dependencies are the collaborators a Runner sequences. All fields are
// required.
type Dependencies struct {
	Source      feed.Source
	OpenArchive feed.ArchiveOpener
	Checkpoints feed.CheckpointRepository
	ShapeIDs    feed.ShapeIDRepository
	Staging     feed.StagingRepository
	Merger      feed.Merger
}

// Config holds the run-invariant settings.
type Config struct {
	Location      *time.Location
	ShapeIDPolicy feed.ShapeIDPolicy
}

// Runner executes pipeline runs. A Runner must not be used for overlapping
// runs; the caller serializes them.
type Runner struct {
	deps     Dependencies
	detector *feed.ChangeDetector
	cfg      Config

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics PipelineMetrics

	now func() time.Time
}

// NewRunner creates a runner over deps.
func NewRunner(
	deps Dependencies,
	cfg Config,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics PipelineMetrics,
) *Runner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ShapeIDPolicy == "" {
		cfg.ShapeIDPolicy = feed.ShapeIDPolicyResolveAll
	}

	return &Runner{
		deps:     deps,
		detector: feed.NewChangeDetector(deps.Source, deps.Checkpoints),
		cfg:      cfg,
		logger:   logger.With("component", "pipeline_runner"),
		tracer:   tracer,
		metrics:  metrics,
		now:      time.Now,
	}
}

// run carries the per-run state through the stages.
type run struct {
	id        string
	force     bool
	startedAt time.Time
	state     feed.State
	logger    *logger.Logger
	span      trace.Span
}

func (r *run) enter(ctx context.Context, s feed.State) {
	r.state = s
	r.span.AddEvent("state", trace.WithAttributes(attribute.String("state", s.String())))
	r.logger.Debug(ctx, "Pipeline state changed", "state", s.String())
}

// Run performs one pipeline run and reports its terminal status. It never
// retries; any error ends the run with a failed status.
func (p *Runner) Run(ctx context.Context, force bool) feed.JobStatus {
	startedAt := p.now()
	id := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run_id", id),
			attribute.Bool("force", force),
		))
	defer span.End()

	r := &run{
		id:        id,
		force:     force,
		startedAt: startedAt,
		state:     feed.StateIdle,
		logger:    p.logger.With("run_id", id),
		span:      span,
	}
	r.logger.Info(ctx, "Starting GTFS sync run", "force", force)

	status := p.execute(ctx, r)
	r.state = feed.StateDone

	p.metrics.IncRuns(ctx, status.Status)
	p.metrics.ObserveRunDuration(ctx, p.now().Sub(startedAt))

	if status.Succeeded() {
		span.SetStatus(codes.Ok, status.Message)
		r.logger.Info(ctx, "GTFS sync run finished", "status", status.Status, "message", status.Message)
	} else {
		span.SetStatus(codes.Error, status.Message)
		r.logger.Error(ctx, "GTFS sync run failed", "status", status.Status, "message", status.Message)
	}
	return status
}

func (p *Runner) execute(ctx context.Context, r *run) feed.JobStatus {
	r.enter(ctx, feed.StateDetecting)
	change, err := p.detector.Detect(ctx, r.force)
	if err != nil {
		r.span.RecordError(err)
		return feed.Failure(fmt.Sprintf("Unable to fetch GTFS file. Error: %v", err))
	}
	if !change.Changed {
		r.logger.Info(ctx, "Feed unchanged since last checkpoint",
			"remote_modified", change.Remote,
			"checkpoint", change.Checkpoint,
		)
		p.metrics.IncRunsUnchanged(ctx)
		return feed.Success("File unchanged since last ETL.")
	}
	r.logger.Info(ctx, "Feed changed",
		"forced", change.Forced,
		"remote_modified", change.Remote,
		"checkpoint", change.Checkpoint,
	)

	r.enter(ctx, feed.StateFetching)
	snapshot, err := p.deps.Source.Fetch(ctx)
	if err != nil {
		r.span.RecordError(err)
		return feed.Failure(fmt.Sprintf("Unable to fetch GTFS file. Error: %v", err))
	}
	r.logger.Info(ctx, "Fetched GTFS archive", "bytes", snapshot.Size(), "remote_modified", snapshot.LastModified)

	archive, err := p.deps.OpenArchive(snapshot)
	if err != nil {
		r.span.RecordError(err)
		return feed.Failure(fmt.Sprintf("Unable to open GTFS archive. Error: %v", err))
	}

	// The mapping is only needed once there is data to transform.
	existing, err := p.deps.ShapeIDs.LoadAll(ctx)
	if err != nil {
		r.span.RecordError(err)
		return feed.Failure(fmt.Sprintf("Unable to load shape id mapping. Error: %v", err))
	}
	shapes, err := feed.NewShapeIDAllocator(p.cfg.ShapeIDPolicy, existing)
	if err != nil {
		r.span.RecordError(err)
		return feed.Failure(fmt.Sprintf("Unable to load shape id mapping. Error: %v", err))
	}
	transformer := feed.NewTransformer(p.cfg.Location, shapes)

	for _, member := range archive.Members() {
		if err := p.stageMember(ctx, r, archive, transformer, shapes, member); err != nil {
			r.span.RecordError(err)
			return feed.Failure(fmt.Sprintf("Unable to load %s. Error: %v", member, err))
		}
	}

	r.enter(ctx, feed.StateMerging)
	affected, err := p.deps.Merger.Merge(ctx)
	if err != nil {
		r.span.RecordError(err)
		return feed.Failure(mergeFailureMessage(err))
	}
	p.metrics.RecordMergeRowsAffected(ctx, affected)
	r.logger.Info(ctx, "Merged staging tables", "rows_affected", affected)

	r.enter(ctx, feed.StateCheckpointing)
	if err := p.deps.Checkpoints.Save(ctx, r.startedAt); err != nil {
		// The merge stays committed; the next run reprocesses this version.
		r.span.RecordError(err)
		return feed.Failure(fmt.Sprintf("Unable to update last_checked timestamp in gtfs.last_checked: %v", err))
	}

	return feed.Success(fmt.Sprintf("GTFS updated. Rows affected is %d", affected))
}

// stageMember transforms one archive member and replaces its staging table.
// Shape ids allocated while transforming are persisted before staging.
func (p *Runner) stageMember(
	ctx context.Context,
	r *run,
	archive feed.Archive,
	transformer *feed.Transformer,
	shapes *feed.ShapeIDAllocator,
	member string,
) error {
	table := feed.TableName(member)
	log := r.logger.With("table", table)

	r.enter(ctx, feed.StateTransforming)
	raw, err := archive.Read(member)
	if err != nil {
		return err
	}
	tbl, report, err := transformer.Transform(raw)
	if err != nil {
		return err
	}

	if report.DuplicatesRemoved > 0 {
		log.Warn(ctx, "Removed duplicate shape points", "duplicates", report.DuplicatesRemoved)
		p.metrics.AddShapeDuplicatesRemoved(ctx, report.DuplicatesRemoved)
	}

	if pending := shapes.Pending(); len(pending) > 0 {
		if err := p.deps.ShapeIDs.Append(ctx, pending); err != nil {
			return fmt.Errorf("persist shape id mapping: %w", err)
		}
		shapes.MarkPersisted()
		p.metrics.AddShapeIDsAllocated(ctx, len(pending))
		log.Info(ctx, "Persisted new shape ids", "count", len(pending))
	}

	r.enter(ctx, feed.StateStaging)
	log.Info(ctx, "Inserting into staging", "rows", report.Rows)
	if err := p.deps.Staging.Replace(ctx, tbl); err != nil {
		return err
	}
	p.metrics.IncTablesStaged(ctx, table)
	p.metrics.AddRowsStaged(ctx, table, report.Rows)
	log.Info(ctx, "Inserting into staging: OK", "rows", report.Rows)

	return nil
}

// mergeFailureMessage reports backend failures with the server's diagnostics
// and everything else generically.
func mergeFailureMessage(err error) string {
	var backendErr *feed.BackendError
	if errors.As(err, &backendErr) {
		return fmt.Sprintf("Unable to run upsert procedure: %v", backendErr)
	}
	return fmt.Sprintf("Unable to run upsert procedure: unexpected error: %v", err)
}

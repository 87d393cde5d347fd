// Package worker turns a trigger stream into pipeline runs, one run per
// message.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/pkg/common"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

// Runner performs a single pipeline run.
type Runner interface {
	Run(ctx context.Context, force bool) feed.JobStatus
}

// Worker consumes triggers and runs the pipeline for each. Runs never
// overlap: the source does not read the next message until the current run
// returns.
type Worker struct {
	source  trigger.Source
	runner  Runner
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a worker. limiter may be nil to run every trigger immediately.
func New(
	source trigger.Source,
	runner Runner,
	limiter *common.RateLimiter,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Worker {
	return &Worker{
		source:  source,
		runner:  runner,
		limiter: limiter,
		logger:  logger.With("component", "worker"),
		tracer:  tracer,
	}
}

// Start blocks consuming triggers until ctx is canceled. Cancellation is
// observed between runs; an in-flight run always completes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info(ctx, "Worker started")
	err := w.source.Consume(ctx, w.handle)
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume triggers: %w", err)
	}
	w.logger.Info(ctx, "Worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, t trigger.Trigger) error {
	// Pacing happens before the run starts, so shutdown may still interrupt it.
	// The trigger then stays on the stream for the next worker.
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for run slot: %w: %w", trigger.ErrNotHandled, err)
	}

	runCtx := context.WithoutCancel(ctx)
	runCtx, span := w.tracer.Start(runCtx, "worker.handle_trigger",
		trace.WithAttributes(
			attribute.String("trigger.id", t.ID),
			attribute.Bool("trigger.force", t.Force),
			attribute.String("trigger.job_type", t.JobType),
		))
	defer span.End()

	w.logger.Info(runCtx, "Trigger received",
		"trigger_id", t.ID,
		"force", t.Force,
		"job_type", t.JobType,
	)

	status := w.runner.Run(runCtx, t.Force)
	w.logger.Info(runCtx, "Job status", "trigger_id", t.ID, "status", status.Status, "message", status.Message)

	if !status.Succeeded() {
		return fmt.Errorf("run for trigger %s failed: %s", t.ID, status.Message)
	}
	return nil
}

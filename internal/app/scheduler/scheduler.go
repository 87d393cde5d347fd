// Package scheduler publishes recurring sync triggers.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

// Scheduler publishes one trigger immediately and one per interval after
// that. Publish failures are logged and the next tick tries again.
type Scheduler struct {
	publisher trigger.Publisher
	interval  time.Duration
	jobType   string
	force     bool

	logger *logger.Logger
}

// New creates a scheduler. Triggers carry jobType and, when force is set,
// bypass change detection.
func New(publisher trigger.Publisher, interval time.Duration, jobType string, force bool, logger *logger.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("schedule interval must be positive")
	}
	return &Scheduler{
		publisher: publisher,
		interval:  interval,
		jobType:   jobType,
		force:     force,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// Start blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Scheduler started", "interval", s.interval.String(), "job_type", s.jobType)

	s.publish(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Scheduler stopped")
			return nil
		case <-ticker.C:
			s.publish(ctx)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context) {
	t := trigger.New(s.force, s.jobType)
	if err := s.publisher.Publish(ctx, t); err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, "Failed to publish trigger", "trigger_id", t.ID, "error", err)
		}
		return
	}
	s.logger.Info(ctx, "Published trigger", "trigger_id", t.ID, "force", t.Force)
}

package feed

import (
	"context"
	"fmt"
	"time"
)

// Change is the result of comparing the remote feed with the checkpoint.
type Change struct {
	Changed    bool
	Forced     bool
	Remote     time.Time
	Checkpoint time.Time
}

// ChangeDetector decides whether a run has new data to process. It never
// downloads the archive body.
type ChangeDetector struct {
	source      Source
	checkpoints CheckpointRepository
}

// NewChangeDetector creates a detector reading the remote modification time
// from source and the last processed time from checkpoints.
func NewChangeDetector(source Source, checkpoints CheckpointRepository) *ChangeDetector {
	return &ChangeDetector{source: source, checkpoints: checkpoints}
}

// Detect reports the feed as changed when it was modified strictly after
// the checkpoint. force skips both lookups and always reports a change.
func (d *ChangeDetector) Detect(ctx context.Context, force bool) (Change, error) {
	if force {
		return Change{Changed: true, Forced: true}, nil
	}

	remote, err := d.source.LastModified(ctx)
	if err != nil {
		return Change{}, fmt.Errorf("probe remote feed: %w", err)
	}

	checkpoint, err := d.checkpoints.Load(ctx)
	if err != nil {
		return Change{}, fmt.Errorf("load checkpoint: %w", err)
	}

	return Change{
		Changed:    remote.After(checkpoint),
		Remote:     remote,
		Checkpoint: checkpoint,
	}, nil
}

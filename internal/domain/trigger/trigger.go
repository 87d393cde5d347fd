// Package trigger models the fire signals that start a feed sync run and the
// stream ports they travel over.
package trigger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobTypeGTFSSync is the job type the scheduler stamps on recurring triggers.
const JobTypeGTFSSync = "gtfs"

// Trigger is one request to run the pipeline. Only Force changes behavior;
// the remaining fields exist for logging and tracing.
type Trigger struct {
	// ID identifies the message on its stream (Kafka offset key or Redis
	// entry id). Publishers generate one when empty.
	ID string
	// Force bypasses change detection.
	Force bool
	// JobType is an optional label carried through from the publisher.
	JobType string
	// ReceivedAt is when the consumer read the message.
	ReceivedAt time.Time
}

// New builds a trigger with a fresh id.
func New(force bool, jobType string) Trigger {
	return Trigger{ID: uuid.NewString(), Force: force, JobType: jobType}
}

// ParseForce interprets a force field from a loosely typed stream payload.
// Missing or unparseable values mean false.
func ParseForce(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return strings.EqualFold(v, "yes")
	}
	return b
}

// ErrNotHandled reports that a handler returned before acting on a trigger.
// Sources leave such a message unacknowledged so it is delivered again.
var ErrNotHandled = errors.New("trigger not handled")

// Handler processes one trigger. Its error is reported by the source but does
// not prevent acknowledgement, unless it wraps ErrNotHandled.
type Handler func(ctx context.Context, t Trigger) error

// Source delivers triggers from a stream one at a time.
type Source interface {
	// Consume blocks, invoking handler for each message in order, until ctx
	// is canceled or the stream fails. The next message is read only after
	// handler returns.
	Consume(ctx context.Context, handler Handler) error
	// Close releases the underlying stream connection.
	Close() error
}

// Publisher appends triggers to a stream.
type Publisher interface {
	Publish(ctx context.Context, t Trigger) error
	Close() error
}

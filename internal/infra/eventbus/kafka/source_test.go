package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx     context.Context
	marked  []int64
	commits int
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MemberID() string         { return "member-1" }
func (s *fakeSession) GenerationID() int32      { return 1 }
func (s *fakeSession) Commit()                  { s.commits++ }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newTestHandler(h trigger.Handler) *triggerHandler {
	return &triggerHandler{
		topic:   "gtfs-triggers",
		handler: h,
		logger:  logger.Noop(),
		tracer:  noop.NewTracerProvider().Tracer("test"),
		metrics: eventbus.NoopMetrics{},
	}
}

func TestTriggerHandler_ConsumeClaimMarksEveryMessage(t *testing.T) {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "gtfs-triggers", Offset: 1}
	claim.messages <- &sarama.ConsumerMessage{Topic: "gtfs-triggers", Offset: 2, Value: []byte(`{"force":true}`)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "gtfs-triggers", Offset: 3, Value: []byte(`not json`)}
	close(claim.messages)

	var got []trigger.Trigger
	h := newTestHandler(func(_ context.Context, tr trigger.Trigger) error {
		got = append(got, tr)
		if tr.Force {
			return errors.New("run failed")
		}
		return nil
	})

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, claim))

	require.Len(t, got, 3)
	assert.False(t, got[0].Force)
	assert.True(t, got[1].Force)
	assert.False(t, got[2].Force, "malformed payload still fires unforced")
	for _, tr := range got {
		assert.False(t, tr.ReceivedAt.IsZero())
	}

	assert.Equal(t, []int64{1, 2, 3}, sess.marked, "failed runs are acknowledged too")
	assert.Equal(t, 3, sess.commits)
}

func TestTriggerHandler_UnhandledTriggerIsNotCommitted(t *testing.T) {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "gtfs-triggers", Offset: 1}
	claim.messages <- &sarama.ConsumerMessage{Topic: "gtfs-triggers", Offset: 2, Value: []byte(`{"force":true}`)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "gtfs-triggers", Offset: 3}
	close(claim.messages)

	handled := 0
	h := newTestHandler(func(_ context.Context, tr trigger.Trigger) error {
		handled++
		if tr.Force {
			return fmt.Errorf("waiting for run slot: %w: %w", trigger.ErrNotHandled, context.Canceled)
		}
		return nil
	})

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, claim))

	assert.Equal(t, 2, handled, "the claim stops at the unhandled record")
	assert.Equal(t, []int64{1}, sess.marked)
	assert.Equal(t, 1, sess.commits)
}

func TestTriggerHandler_ConsumeClaimStopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}
	h := newTestHandler(func(context.Context, trigger.Trigger) error {
		t.Fatal("handler must not run")
		return nil
	})

	require.NoError(t, h.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}

func TestPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "gtfs-triggers" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "fixed-id" {
			return errors.New("wrong key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		if string(value) != `{"force":true,"job_type":"gtfs"}` {
			return errors.New("wrong value " + string(value))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub, err := NewPublisher(producer, "gtfs-triggers", logger.Noop(), noop.NewTracerProvider().Tracer("test"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, trigger.Trigger{ID: "fixed-id", Force: true, JobType: "gtfs"}))

	err = pub.Publish(ctx, trigger.New(false, ""))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, pub.Close())
}

func TestNewSource_RequiresTopic(t *testing.T) {
	_, err := NewSource(nil, "", logger.Noop(), noop.NewTracerProvider().Tracer("test"), nil)
	require.Error(t, err)
}

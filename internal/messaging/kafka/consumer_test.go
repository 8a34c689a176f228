package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

type fakeGroup struct {
	consume func(context.Context) error
	errs    chan error
	closed  atomic.Bool
}

func newFakeGroup(consume func(context.Context) error) *fakeGroup {
	return &fakeGroup{consume: consume, errs: make(chan error, 1)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	if g.consume != nil {
		return g.consume(ctx)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.closed.CompareAndSwap(false, true) {
		close(g.errs)
	}
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type recordingSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *recordingSession) Claims() map[string][]int32               { return nil }
func (s *recordingSession) MemberID() string                         { return "agent-1" }
func (s *recordingSession) GenerationID() int32                      { return 1 }
func (s *recordingSession) MarkOffset(string, int32, int64, string)  {}
func (s *recordingSession) Commit()                                  {}
func (s *recordingSession) ResetOffset(string, int32, int64, string) {}
func (s *recordingSession) Context() context.Context                 { return s.ctx }
func (s *recordingSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type chanClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c chanClaim) Topic() string                            { return TopicDispatchEvents }
func (c chanClaim) Partition() int32                         { return 0 }
func (c chanClaim) InitialOffset() int64                     { return 0 }
func (c chanClaim) HighWaterMarkOffset() int64               { return 0 }
func (c chanClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func dispatchMessage(offset int64, retries string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic:  TopicDispatchEvents,
		Offset: offset,
		Key:    []byte("fo-42"),
		Value:  []byte(`{"order_id":"fo-42"}`),
	}
	if retries != "" {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(retries)}}
	}
	return msg
}

func countingHandler(calls *int, err error) MessageHandler {
	return func(context.Context, *sarama.ConsumerMessage) error {
		*calls++
		return err
	}
}

func TestNewConsumer_UnreachableBrokers(t *testing.T) {
	_, err := NewConsumer([]string{"invalid-broker:9092"}, "agents", []string{TopicDispatchEvents}, countingHandler(new(int), nil))
	require.Error(t, err)
}

func TestNewConsumer_Options(t *testing.T) {
	producer := &Producer{}
	c := newConsumer(nil, nil,
		WithDeadLetter(producer, "custom.dlq"),
		WithMaxAttempts(5),
		WithMaxAttempts(0),
		WithRetryDelay(0),
		WithInitialOffset(sarama.OffsetOldest),
	)
	require.Same(t, producer, c.dlq)
	require.Equal(t, "custom.dlq", c.dlqTopic)
	require.Equal(t, 5, c.maxAttempts)
	require.Zero(t, c.retryDelay)
	require.Equal(t, sarama.OffsetOldest, c.initialOffset)

	c = newConsumer(nil, nil, WithDeadLetter(producer, ""))
	require.Equal(t, TopicDeadLetterQueue, c.dlqTopic)
	require.Equal(t, defaultMaxAttempts, c.maxAttempts)
}

func TestConsumer_StartStop(t *testing.T) {
	var sessions atomic.Int32
	group := newFakeGroup(func(ctx context.Context) error {
		if sessions.Add(1) == 1 {
			return errors.New("rebalance in progress")
		}
		<-ctx.Done()
		return nil
	})
	group.errs <- errors.New("background error")

	c := newConsumer([]string{TopicDispatchEvents}, countingHandler(new(int), nil))
	c.group = group

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, time.Second, 5*time.Millisecond,
		"session is re-entered after a failed Consume")

	cancel()
	require.NoError(t, c.Stop())
}

func TestConsumer_ConsumeClaimMarksHandled(t *testing.T) {
	calls := 0
	c := newConsumer(nil, countingHandler(&calls, nil))
	session := &recordingSession{ctx: context.Background()}
	claim := chanClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- dispatchMessage(1, "")
	claim.messages <- dispatchMessage(2, "")
	close(claim.messages)

	require.NoError(t, c.ConsumeClaim(session, claim))
	require.Equal(t, []int64{1, 2}, session.marked)
	require.Equal(t, 2, calls)
}

func TestConsumer_FailedMessageStaysUncommitted(t *testing.T) {
	c := newConsumer(nil, countingHandler(new(int), errors.New("order store unavailable")),
		WithMaxAttempts(1), WithRetryDelay(0))
	session := &recordingSession{ctx: context.Background()}
	claim := chanClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- dispatchMessage(7, "")
	close(claim.messages)

	require.NoError(t, c.ConsumeClaim(session, claim))
	require.Empty(t, session.marked)
}

func TestConsumer_ConsumeClaimStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newConsumer(nil, countingHandler(new(int), nil))
	claim := chanClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(&recordingSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after cancel")
	}
}

func TestConsumer_DeliverAttemptBudget(t *testing.T) {
	transient := errors.New("order store unavailable")

	tests := []struct {
		name      string
		retries   string
		err       error
		withDLQ   bool
		dlqFails  bool
		wantCalls int
		wantErr   bool
	}{
		{name: "success", wantCalls: 1},
		{name: "budget reduced by previous deliveries", retries: "1", err: transient, wantCalls: 2, wantErr: true},
		{name: "exhausted without dlq", retries: "3", err: transient, wantCalls: 1, wantErr: true},
		{name: "exhausted goes to dlq", retries: "3", err: transient, withDLQ: true, wantCalls: 1},
		{name: "permanent goes to dlq at once", err: Permanent(errors.New("malformed")), withDLQ: true, wantCalls: 1},
		{name: "dlq failure keeps message", retries: "3", err: transient, withDLQ: true, dlqFails: true, wantCalls: 1, wantErr: true},
		{name: "whole budget spent in process", err: transient, wantCalls: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			options := []ConsumerOption{WithMaxAttempts(3), WithRetryDelay(0)}
			if tt.withDLQ {
				producer, mp := newMockProducer(t)
				if tt.dlqFails {
					mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
				} else {
					mp.ExpectSendMessageAndSucceed()
				}
				options = append(options, WithDeadLetter(producer, ""))
			}
			c := newConsumer(nil, countingHandler(&calls, tt.err), options...)

			err := c.deliver(context.Background(), dispatchMessage(1, tt.retries), c.logger)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestConsumer_DeliverStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	c := newConsumer(nil, func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		cancel()
		return errors.New("order store unavailable")
	}, WithMaxAttempts(5), WithRetryDelay(time.Hour))

	err := c.deliver(ctx, dispatchMessage(1, ""), c.logger)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestConsumer_DeadLetterPayload(t *testing.T) {
	producer, mp := newMockProducer(t)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue || headerValue(msg, HeaderRetryCount) != "2" {
			return errors.New("unexpected dlq topic or retry header")
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var dlq DLQMessage
		if err := json.Unmarshal(raw, &dlq); err != nil {
			return err
		}
		if dlq.OriginalTopic != TopicDispatchEvents || dlq.OriginalOffset != 9 || dlq.ErrorMessage != "boom" {
			return errors.New("unexpected dlq body")
		}
		return nil
	})

	c := newConsumer(nil, nil, WithDeadLetter(producer, ""))
	require.NoError(t, c.deadLetter(dispatchMessage(9, "2"), errors.New("boom"), 2))
}

func TestRetryCountAndParsers(t *testing.T) {
	require.Equal(t, 5, retryCount(dispatchMessage(1, "5")))
	require.Zero(t, retryCount(dispatchMessage(1, "bad")))
	require.Zero(t, retryCount(dispatchMessage(1, "-2")))
	require.Zero(t, retryCount(&sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{nil}}))

	parsed, err := ParseDLQMessage(&sarama.ConsumerMessage{
		Value: []byte(`{"original_topic":"fuelops.dispatch.events","original_value":"{}","retry_count":3}`),
	})
	require.NoError(t, err)
	require.Equal(t, TopicDispatchEvents, parsed.OriginalTopic)
	require.Equal(t, 3, parsed.RetryCount)

	_, err = ParseDLQMessage(&sarama.ConsumerMessage{Value: []byte(`{}`)})
	require.Error(t, err)
	_, err = ParseDispatchEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
}

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	fetchErr  error
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	err := r.fetchErr
	r.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		out = append(out, m.Offset)
	}
	return out
}

func start(t *testing.T, c *Consumer, h Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()
	return cancel, done
}

func TestConsumer_RetriesFailedOffsetBeforeLaterOnes(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Partition: 0, Offset: 10},
		{Partition: 0, Offset: 11},
	}}
	c := newConsumer(r, 4, zap.NewNop())
	c.backoff = time.Millisecond

	var mu sync.Mutex
	var calls []int64
	failed := false
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, m.Offset)
		if m.Offset == 10 && !failed {
			failed = true
			return errors.New("store unavailable")
		}
		return nil
	}

	cancel, done := start(t, c, h)
	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{10, 10, 11}, calls)
	assert.Equal(t, []int64{10, 11}, r.commits())
	assert.True(t, r.closed)
}

func TestConsumer_FailingPartitionDoesNotBlockOthers(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Partition: 0, Offset: 1},
		{Partition: 0, Offset: 2},
		{Partition: 1, Offset: 7},
	}}
	c := newConsumer(r, 2, zap.NewNop())
	c.backoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	h := func(_ context.Context, m kafka.Message) error {
		if m.Partition == 0 {
			return errors.New("always fails")
		}
		return nil
	}

	cancel, done := start(t, c, h)
	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{7}, r.commits(), "partition 0 never commits past its failing offset")
}

func TestConsumer_ReaderErrorStops(t *testing.T) {
	boom := errors.New("broker gone")
	r := &fakeReader{fetchErr: boom}
	c := newConsumer(r, 1, zap.NewNop())

	err := c.Start(context.Background(), func(context.Context, kafka.Message) error { return nil })
	assert.ErrorIs(t, err, boom)
	assert.True(t, r.closed)
}

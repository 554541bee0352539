package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/internal/queue"
)

func TestQueue_EnqueueDequeue(t *testing.T) {
	q := New()
	ctx := context.Background()

	job, err := q.Send(ctx, "default", []byte(`{"n":1}`), queue.SendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	got, err := q.named("default").dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestQueue_Priority(t *testing.T) {
	q := New()
	ctx := context.Background()

	low, err := q.Send(ctx, "default", []byte("low"), queue.SendOptions{Priority: 1})
	require.NoError(t, err)
	high, err := q.Send(ctx, "default", []byte("high"), queue.SendOptions{Priority: 10})
	require.NoError(t, err)
	mid, err := q.Send(ctx, "default", []byte("mid"), queue.SendOptions{Priority: 5})
	require.NoError(t, err)

	first, err := q.named("default").dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)

	second, err := q.named("default").dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, mid.ID, second.ID)

	third, err := q.named("default").dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, third.ID)
}

func TestQueue_PeekIsNonDestructive(t *testing.T) {
	q := New()
	ctx := context.Background()

	assert.Nil(t, q.named("default").peek())

	job, err := q.Send(ctx, "default", []byte("x"), queue.SendOptions{})
	require.NoError(t, err)

	peeked := q.named("default").peek()
	require.NotNil(t, peeked)
	assert.Equal(t, job.ID, peeked.ID)
	assert.Equal(t, 1, q.named("default").len())
}

func TestQueue_DequeueBlocksUntilDeadline(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.named("default").dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_StopClosesQueues(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Stop(ctx))

	_, err := q.Send(ctx, "default", []byte("x"), queue.SendOptions{})
	assert.ErrorIs(t, err, queue.ErrQueueClosed)

	_, err = q.named("default").dequeue(ctx)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

func TestQueue_DelayedDeliveryWithholdsUntilAvailable(t *testing.T) {
	q := New()
	ctx := context.Background()

	_, err := q.Send(ctx, "default", []byte("later"), queue.SendOptions{Delay: 40 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = q.named("default").dequeue(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex-tank-api/tankapi/queue"
)

func TestSendRecvFIFO(t *testing.T) {
	q := queue.New[int]("test", 4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Send(ctx, i))
	}
	for i := 0; i < 3; i++ {
		v, err := q.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestTryRecvEmpty(t *testing.T) {
	q := queue.New[int]("test", 1)
	_, err := q.TryRecv()
	require.Error(t, err)
	var emptyErr *queue.EmptyError
	assert.ErrorAs(t, err, &emptyErr)
}

func TestTryRecvAfterClose(t *testing.T) {
	q := queue.New[int]("test", 1)
	q.Close()
	_, err := q.TryRecv()
	var closedErr *queue.ClosedError
	assert.ErrorAs(t, err, &closedErr)
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	q := queue.New[int]("test", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTryRecvReturnsSentValue(t *testing.T) {
	q := queue.New[string]("test", 1)
	require.NoError(t, q.Send(context.Background(), "hello"))
	v, err := q.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

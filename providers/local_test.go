package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueVisibilityRedelivery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewMemoryQueue()
	q.Visibility = time.Minute
	q.now = func() time.Time { return now }

	require.NoError(t, q.Send(context.Background(), []byte("run-1")))

	first, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	// Inside the visibility window the message stays in flight.
	msg, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)

	// Once the window lapses the unacked message comes back.
	now = now.Add(2 * time.Minute)
	second, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.Body, second.Body)
}

func TestMemoryQueueAckStopsRedelivery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewMemoryQueue()
	q.Visibility = time.Minute
	q.now = func() time.Time { return now }

	require.NoError(t, q.Send(context.Background(), []byte("run-1")))

	msg, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Ack(context.Background(), msg.Receipt))

	now = now.Add(time.Hour)
	again, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)
}

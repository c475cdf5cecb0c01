package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkersRunEveryJob(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)

	wg.Add(5)
	q, err := NewMessageQueue(2)
	require.NoError(t, err)

	q.SetupConsumers(func(ctx context.Context, job Job) {
		defer wg.Done()
		mu.Lock()
		seen[job.BatchID] = true
		mu.Unlock()
	})
	defer q.Stop()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Publish(context.Background(), Job{BatchID: id}))
	}

	wg.Wait()
	assert.Len(t, seen, 5)
}

func TestStopCancelsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	done := make(chan error, 1)

	q, err := NewMessageQueue(1)
	require.NoError(t, err)

	q.SetupConsumers(func(ctx context.Context, job Job) {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
	})
	require.NoError(t, q.Publish(context.Background(), Job{BatchID: "long"}))

	<-started
	q.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not observe the stop")
	}

	assert.ErrorIs(t, q.Publish(context.Background(), Job{BatchID: "late"}), ErrStopped)
}

func TestInvalidQueue(t *testing.T) {
	_, err := NewMessageQueue(0)
	assert.Error(t, err)
}

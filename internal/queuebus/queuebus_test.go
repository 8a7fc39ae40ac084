package queuebus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	job := RenderJob{JobID: "job-1", UserID: "u1", GPUClass: "rtx4090"}
	require.NoError(t, bus.Enqueue(ctx, job))

	payload, err := bus.Dequeue(ctx, "rtx4090", "jobqueue:worker:w1:processing", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	got, err := UnmarshalRenderJob(payload)
	require.NoError(t, err)
	require.Equal(t, job.JobID, got.JobID)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	payload, err := bus.Dequeue(ctx, "rtx4090", "jobqueue:worker:w1:processing", 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, payload)
}

func TestRemoveBestEffort(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	job := RenderJob{JobID: "job-1", UserID: "u1", GPUClass: "a100"}
	require.NoError(t, bus.Enqueue(ctx, job))
	payload, _ := job.Marshal()
	require.NoError(t, bus.Remove(ctx, "a100", string(payload)))

	got, err := bus.Dequeue(ctx, "a100", "jobqueue:worker:w1:processing", 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPublishProgressDoesNotError(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	require.NoError(t, bus.PublishProgress(ctx, ProgressEvent{JobID: "job-1", Status: "RENDERING", Progress: 50}))
}

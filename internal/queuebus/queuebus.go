// Package queuebus implements the two independent Redis-backed subsystems
// a render job moves through: a per-GPU-class work queue and a per-job
// progress pub/sub channel.
package queuebus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RenderJob is the payload pushed onto a GPU-class queue. It is the
// envelope the worker pops, not the full persisted store.Job row.
type RenderJob struct {
	JobID      string `json:"jobId"`
	UserID     string `json:"userId"`
	GPUClass   string `json:"gpuClass"`
	Retries    int    `json:"retries"`
	TraceID    string `json:"traceId,omitempty"`
	SpanID     string `json:"spanId,omitempty"`
	EnqueuedAt int64  `json:"enqueuedAt"`
}

// Marshal encodes a RenderJob to its wire form.
func (j RenderJob) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalRenderJob decodes a RenderJob from its wire form.
func UnmarshalRenderJob(payload string) (RenderJob, error) {
	var j RenderJob
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return RenderJob{}, fmt.Errorf("unmarshal render job: %w", err)
	}
	return j, nil
}

// ProgressEvent is published on a job's progress channel every time the
// worker advances it.
type ProgressEvent struct {
	JobID     string  `json:"jobId"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Error     string  `json:"error,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Bus wraps a Redis client with the queue and progress-channel operations.
// A single Bus is shared across the controller and every worker goroutine.
type Bus struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

func queueKey(gpuClass string) string {
	return fmt.Sprintf("queue:%s", gpuClass)
}

// QueueKey exposes the FIFO key for a GPU class so callers outside this
// package (the reaper, recovering abandoned work) can requeue without
// duplicating the key scheme.
func QueueKey(gpuClass string) string {
	return queueKey(gpuClass)
}

func progressChannel(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// Enqueue pushes a job onto its GPU class's FIFO. Workers pop from the
// tail, so this pushes to the head.
func (b *Bus) Enqueue(ctx context.Context, job RenderJob) error {
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.LPush(ctx, queueKey(job.GPUClass), payload).Err()
}

// Dequeue blocks up to timeout waiting for a job on gpuClass's queue,
// atomically moving it into processingList so a crashed worker's job can
// be recovered by the reaper. Returns ("", nil) on timeout.
func (b *Bus) Dequeue(ctx context.Context, gpuClass, processingList string, timeout time.Duration) (string, error) {
	v, err := b.rdb.BRPopLPush(ctx, queueKey(gpuClass), processingList, timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Remove is a best-effort removal of a job from its GPU class's queue,
// used by cancel to retract a job that hasn't been dequeued yet.
func (b *Bus) Remove(ctx context.Context, gpuClass, payload string) error {
	return b.rdb.LRem(ctx, queueKey(gpuClass), 0, payload).Err()
}

// PublishProgress publishes a progress event on the job's channel. Delivery
// is best-effort: subscribers that connect after the publish miss it and
// must reconcile against persisted status.
func (b *Bus) PublishProgress(ctx context.Context, event ProgressEvent) error {
	event.Timestamp = time.Now().Unix()
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, progressChannel(event.JobID), payload).Err()
}

// Subscribe returns a long-lived subscription to a job's progress channel.
// Callers must Close() it when done; the stream ends when the caller
// disconnects.
func (b *Bus) Subscribe(ctx context.Context, jobID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, progressChannel(jobID))
}

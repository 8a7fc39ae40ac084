// Package eventbus publishes terminal job lifecycle events to a durable
// NATS JetStream subject, independent of the ephemeral per-job Redis
// progress channel in internal/queuebus. Downstream billing and analytics
// integrations subscribe here instead of racing the live progress stream.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
)

// TerminalEvent is published once a job reaches COMPLETED, FAILED, or
// CANCELLED.
type TerminalEvent struct {
	JobID      string  `json:"jobId"`
	UserID     string  `json:"userId"`
	Status     string  `json:"status"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	Error      string  `json:"error,omitempty"`
	OccurredAt int64   `json:"occurredAt"`
}

// Publisher publishes TerminalEvents to a JetStream stream. A nil
// Publisher (event bus disabled in config) is a valid, inert no-op.
type Publisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	log     *zap.Logger
}

// New connects to NATS and ensures the configured stream exists. Returns
// (nil, nil) when cfg.EventBus.Enabled is false, so callers can treat a nil
// *Publisher as a valid no-op rather than branching on a bool everywhere.
func New(cfg *config.Config, log *zap.Logger) (*Publisher, error) {
	if !cfg.EventBus.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := nats.Connect(cfg.EventBus.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.EventBus.Stream,
		Subjects: []string{cfg.EventBus.Subject + ".*"},
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("ensure JetStream stream: %w", err)
	}

	return &Publisher{conn: conn, js: js, subject: cfg.EventBus.Subject, log: log}, nil
}

// PublishTerminal publishes a job's terminal event under
// "{subject}.{status}", e.g. "dispatch.jobs.terminal.COMPLETED". A publish
// failure is logged and swallowed: the event bus is a downstream
// integration, not the system of record, and must never fail a job.
func (p *Publisher) PublishTerminal(event TerminalEvent) {
	if p == nil {
		return
	}
	event.OccurredAt = time.Now().Unix()
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("marshal terminal event failed", zap.String("job_id", event.JobID), zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", p.subject, event.Status)
	if _, err := p.js.Publish(subject, payload); err != nil {
		p.log.Warn("publish terminal event failed",
			zap.String("job_id", event.JobID), zap.String("subject", subject), zap.Error(err))
	}
}

// Close releases the NATS connection. Safe to call on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

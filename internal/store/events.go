package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/renderhub/dispatch/internal/dispatcherr"
)

// AppendEvent records a job lifecycle log entry. Timestamps strictly
// increase per job because each insert uses the current wall clock and the
// worker/controller are the sole writers for a given job.
func (s *Store) AppendEvent(ctx context.Context, e *JobEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO job_events (id, job_id, event_type, message, data_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`)
	_, err := s.db.ExecContext(ctx, query, e.ID, e.JobID, e.EventType, e.Message, e.DataJSON, e.CreatedAt)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "append job event", err)
	}
	return nil
}

// ListEvents returns a job's event log in chronological order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	query := s.rebind(`SELECT id, job_id, event_type, message, data_json, created_at
		FROM job_events WHERE job_id = $1 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "list job events", err)
	}
	defer rows.Close()
	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventType, &e.Message, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.Internal, "scan job event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/renderhub/dispatch/internal/dispatcherr"
)

// CreateJob inserts a new job row, generating an ID if one isn't set.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	query := s.rebind(`INSERT INTO jobs (
		id, user_id, status, preset, gpu_class, manifest_json, custom_options_json,
		manifest_hash, project_hash, bundle_key, bundle_sha256, bundle_size_bytes,
		result_key, output_name, notification_email, cost_estimate_usd, cost_final_usd,
		eta_seconds, progress_percent, attempts, max_attempts, error_message,
		cancel_requested, cache_hit, created_at, started_at, finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`)
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.UserID, string(j.Status), j.Preset, j.GPUClass, j.ManifestJSON, j.CustomOptionsJSON,
		j.ManifestHash, j.ProjectHash, j.BundleKey, j.BundleSHA256, j.BundleSizeBytes,
		j.ResultKey, j.OutputName, j.NotificationEmail, j.CostEstimateUSD, j.CostFinalUSD,
		j.ETASeconds, j.ProgressPercent, j.Attempts, j.MaxAttempts, j.ErrorMessage,
		j.CancelRequested, j.CacheHit, j.CreatedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "create job", err)
	}
	return nil
}

const jobColumns = `id, user_id, status, preset, gpu_class, manifest_json, custom_options_json,
	manifest_hash, project_hash, bundle_key, bundle_sha256, bundle_size_bytes,
	result_key, output_name, notification_email, cost_estimate_usd, cost_final_usd,
	eta_seconds, progress_percent, attempts, max_attempts, error_message,
	cancel_requested, cache_hit, created_at, started_at, finished_at`

func scanJob(row interface{ Scan(dest ...interface{}) error }) (*Job, error) {
	j := &Job{}
	var status string
	err := row.Scan(&j.ID, &j.UserID, &status, &j.Preset, &j.GPUClass, &j.ManifestJSON, &j.CustomOptionsJSON,
		&j.ManifestHash, &j.ProjectHash, &j.BundleKey, &j.BundleSHA256, &j.BundleSizeBytes,
		&j.ResultKey, &j.OutputName, &j.NotificationEmail, &j.CostEstimateUSD, &j.CostFinalUSD,
		&j.ETASeconds, &j.ProgressPercent, &j.Attempts, &j.MaxAttempts, &j.ErrorMessage,
		&j.CancelRequested, &j.CacheHit, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`)
	row := s.db.QueryRowContext(ctx, query, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.New(dispatcherr.NotFound, "job not found")
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "get job", err)
	}
	return j, nil
}

// ListJobsForUser returns a user's jobs, most recent first.
func (s *Store) ListJobsForUser(ctx context.Context, userID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "list jobs", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.Internal, "scan job", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus transitions a job's status. It sets started_at on every
// move to DOWNLOADING (so a retried job's start time is overwritten) and
// finished_at on every move to a terminal status.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status JobStatus, errMsg *string) error {
	now := time.Now().UTC()
	var query string
	var args []interface{}
	switch {
	case status == JobDownloading:
		query = s.rebind(`UPDATE jobs SET status=$1, started_at=$2, error_message=$3 WHERE id=$4`)
		args = []interface{}{string(status), now, errMsg, id}
	case status.IsTerminal():
		query = s.rebind(`UPDATE jobs SET status=$1, finished_at=$2, error_message=$3 WHERE id=$4`)
		args = []interface{}{string(status), now, errMsg, id}
	default:
		query = s.rebind(`UPDATE jobs SET status=$1, error_message=$2 WHERE id=$3`)
		args = []interface{}{string(status), errMsg, id}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "update job status", err)
	}
	return mustAffectOne(res)
}

// UpdateJobProgress records worker progress percent for a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, percent float64) error {
	query := s.rebind(`UPDATE jobs SET progress_percent=$1 WHERE id=$2`)
	res, err := s.db.ExecContext(ctx, query, percent, id)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "update job progress", err)
	}
	return mustAffectOne(res)
}

// CompleteJob records the terminal COMPLETED state with the rendered result.
func (s *Store) CompleteJob(ctx context.Context, id, resultKey string, costFinalUSD float64, cacheHit bool) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE jobs SET status=$1, result_key=$2, cost_final_usd=$3, progress_percent=100,
		cache_hit=$4, finished_at=$5 WHERE id=$6`)
	res, err := s.db.ExecContext(ctx, query, string(JobCompleted), resultKey, costFinalUSD, cacheHit, now, id)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "complete job", err)
	}
	return mustAffectOne(res)
}

// SetCancelRequested sets the cooperative cancel flag. It never changes
// status directly; the caller decides whether an immediate transition to
// CANCELLED also applies (only valid while QUEUED).
func (s *Store) SetCancelRequested(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE jobs SET cancel_requested=$1 WHERE id=$2`)
	res, err := s.db.ExecContext(ctx, query, true, id)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "set cancel requested", err)
	}
	return mustAffectOne(res)
}

// IncrementAttempts increments a job's attempt counter and returns the new
// value, used by the worker to decide retry vs dead-letter.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	query := s.rebind(`UPDATE jobs SET attempts = attempts + 1 WHERE id=$1`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return 0, dispatcherr.Wrap(dispatcherr.Internal, "increment attempts", err)
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	return j.Attempts, nil
}

// ListTerminalJobsOlderThan returns terminal jobs created before cutoff, for
// the retention sweep to archive before purging.
func (s *Store) ListTerminalJobsOlderThan(ctx context.Context, cutoff time.Time) ([]Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE created_at < $1 AND status IN ($2, $3, $4)`)
	rows, err := s.db.QueryContext(ctx, query, cutoff, string(JobCompleted), string(JobFailed), string(JobCancelled))
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "list terminal jobs older than cutoff", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.Internal, "scan job", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func mustAffectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "rows affected", err)
	}
	if n == 0 {
		return dispatcherr.New(dispatcherr.NotFound, "job not found")
	}
	return nil
}

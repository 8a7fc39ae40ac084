package controller

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/estimator"
	"github.com/renderhub/dispatch/internal/eventbus"
	"github.com/renderhub/dispatch/internal/manifest"
	"github.com/renderhub/dispatch/internal/obs"
	"github.com/renderhub/dispatch/internal/objectstore"
	"github.com/renderhub/dispatch/internal/queuebus"
	"github.com/renderhub/dispatch/internal/store"
)

// CreateJob handles POST /jobs/create, implementing §4.3's create flow in
// order: fingerprint integrity check, estimate, usage-cap checks, cache
// short-circuit, then the normal reserve-and-enqueue path.
func (c *Controller) CreateJob(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "malformed request body", err))
		return
	}

	m, err := parseManifest(req.ManifestJSON)
	if err != nil {
		writeErr(w, err)
		return
	}
	preset, err := parsePreset(req.Preset)
	if err != nil {
		writeErr(w, err)
		return
	}
	custom := toCustomOptions(req.CustomOptions)

	manifestHash, err := manifest.Fingerprint(m)
	if err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "fingerprint manifest", err))
		return
	}
	if req.ManifestHash != "" && manifestHash != req.ManifestHash {
		writeErr(w, dispatcherr.New(dispatcherr.Validation, "manifest fingerprint mismatch"))
		return
	}

	est := estimator.Estimate(c.cfg.Pricing, m, preset, req.BundleSizeBytes, custom)
	// The bundle's own contents (manifest.json/project.aep presence) aren't
	// available until the worker unpacks it; only the content-derived
	// warnings apply here, not Check's required-asset errors.
	est.Warnings = append(est.Warnings, manifest.Check(m, nil).Warnings...)

	usage, err := c.store.GetUsage(r.Context(), user.ID, currentMonth())
	if err != nil {
		writeErr(w, err)
		return
	}
	if user.PerJobMaxUSD > 0 && est.CostUSD > user.PerJobMaxUSD {
		writeErr(w, dispatcherr.New(dispatcherr.Policy, "estimated cost exceeds per-job maximum"))
		return
	}
	if user.MonthlyLimitUSD > 0 && usage.CostUSD+est.CostUSD > user.MonthlyLimitUSD {
		writeErr(w, dispatcherr.New(dispatcherr.Policy, "estimated cost would exceed monthly limit"))
		return
	}

	ctx := r.Context()
	bundleKey := objectstore.BundleKey(user.ID, manifestHash)
	manifestJSONBytes, _ := json.Marshal(m)

	var notificationEmail *string
	if req.NotificationEmail != "" {
		notificationEmail = &req.NotificationEmail
	}
	var customJSON []byte
	if custom != nil {
		customJSON, _ = json.Marshal(custom)
	}

	var entry *store.CacheEntry
	if req.allowCache() {
		entry, _ = c.store.GetCacheEntry(ctx, manifestHash, string(preset))
	}
	if entry != nil {
		job := &store.Job{
			UserID: user.ID, Status: store.JobCompleted, Preset: string(preset), GPUClass: est.GPUClass,
			ManifestJSON: manifestJSONBytes, CustomOptionsJSON: customJSON, ManifestHash: manifestHash,
			BundleKey: bundleKey, BundleSHA256: req.BundleSHA256, BundleSizeBytes: req.BundleSizeBytes,
			ResultKey: &entry.ResultKey, OutputName: entry.OutputName,
			NotificationEmail: notificationEmail, CostEstimateUSD: est.CostUSD, ETASeconds: est.ETASeconds,
			ProgressPercent: 100, CacheHit: true,
		}
		costFinal := est.CostUSD
		job.CostFinalUSD = &costFinal
		if err := c.store.CreateJob(ctx, job); err != nil {
			writeErr(w, err)
			return
		}
		if _, err := c.ledger.ReserveCredits(ctx, user.ID, job.ID, est.CostUSD); err != nil {
			writeErr(w, err)
			return
		}
		if err := c.ledger.SettleJob(ctx, job.ID, est.CostUSD); err != nil {
			writeErr(w, err)
			return
		}
		if err := c.store.IncrementUsage(ctx, user.ID, currentMonth(), est.CostUSD, 0); err != nil {
			c.logger.Warn("increment usage failed on cache hit", obs.String("job_id", job.ID), obs.Err(err))
		}
		if err := c.store.AppendEvent(ctx, &store.JobEvent{JobID: job.ID, EventType: string(store.JobCompleted), Message: "cache hit"}); err != nil {
			c.logger.Warn("append cache-hit event failed", obs.String("job_id", job.ID), obs.Err(err))
		}
		if err := c.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(store.JobCompleted), Progress: 100}); err != nil {
			c.logger.Warn("publish cache-hit progress failed", obs.String("job_id", job.ID), obs.Err(err))
		}
		if c.events != nil {
			c.events.PublishTerminal(eventbus.TerminalEvent{JobID: job.ID, UserID: user.ID, Status: string(store.JobCompleted), CostUSD: est.CostUSD})
		}
		writeJSON(w, http.StatusOK, c.createJobResponse(job.ID, string(store.JobCompleted), est))
		return
	}

	job := &store.Job{
		UserID: user.ID, Status: store.JobQueued, Preset: string(preset), GPUClass: est.GPUClass,
		ManifestJSON: manifestJSONBytes, CustomOptionsJSON: customJSON, ManifestHash: manifestHash,
		BundleKey: bundleKey, BundleSHA256: req.BundleSHA256, BundleSizeBytes: req.BundleSizeBytes,
		NotificationEmail: notificationEmail, CostEstimateUSD: est.CostUSD, ETASeconds: est.ETASeconds,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		writeErr(w, err)
		return
	}

	if _, err := c.ledger.ReserveCredits(ctx, user.ID, job.ID, est.CostUSD); err != nil {
		msg := "Insufficient credits"
		if serr := c.store.UpdateJobStatus(ctx, job.ID, store.JobFailed, &msg); serr != nil {
			c.logger.Error("mark job failed after reservation failure", obs.String("job_id", job.ID), obs.Err(serr))
		}
		writeErr(w, err)
		return
	}

	if err := c.store.AppendEvent(ctx, &store.JobEvent{JobID: job.ID, EventType: string(store.JobQueued), Message: "job queued"}); err != nil {
		c.logger.Warn("append queued event failed", obs.String("job_id", job.ID), obs.Err(err))
	}
	if err := c.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(store.JobQueued), Progress: 0}); err != nil {
		c.logger.Warn("publish queued progress failed", obs.String("job_id", job.ID), obs.Err(err))
	}
	if err := c.bus.Enqueue(ctx, queuebus.RenderJob{JobID: job.ID, UserID: user.ID, GPUClass: est.GPUClass}); err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Internal, "enqueue job", err))
		return
	}

	writeJSON(w, http.StatusOK, c.createJobResponse(job.ID, string(store.JobQueued), est))
}

func (c *Controller) createJobResponse(jobID, status string, est estimator.Estimate) CreateJobResponse {
	return CreateJobResponse{
		JobID: jobID, Status: status, CostUSD: est.CostUSD, ETASeconds: est.ETASeconds,
		ProgressSubscribeURL: fmt.Sprintf("/ws/jobs/%s", jobID),
		DashboardURL:         fmt.Sprintf("/jobs/status/%s", jobID),
		Warnings:             est.Warnings,
	}
}

func jobIDFromPath(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// loadOwnedJob fetches a job and enforces that it belongs to the caller.
func (c *Controller) loadOwnedJob(r *http.Request, user *store.User) (*store.Job, error) {
	job, err := c.store.GetJob(r.Context(), jobIDFromPath(r))
	if err != nil {
		return nil, err
	}
	if job.UserID != user.ID {
		return nil, dispatcherr.New(dispatcherr.NotFound, "job not found")
	}
	return job, nil
}

// JobStatus handles GET /jobs/status/{id}.
func (c *Controller) JobStatus(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	job, err := c.loadOwnedJob(r, user)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := JobStatusResponse{
		JobID: job.ID, Status: string(job.Status), ProgressPercent: job.ProgressPercent, ETASeconds: job.ETASeconds,
	}
	if job.ErrorMessage != nil {
		resp.Error = *job.ErrorMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

// JobResult handles GET /jobs/result/{id}.
func (c *Controller) JobResult(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	job, err := c.loadOwnedJob(r, user)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.Status != store.JobCompleted || job.ResultKey == nil {
		writeErr(w, dispatcherr.New(dispatcherr.State, "job has not completed"))
		return
	}

	getURL, err := c.objects.PresignGet(r.Context(), *job.ResultKey)
	if err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Internal, "presign result", err))
		return
	}
	size, err := c.objects.HeadObjectSize(r.Context(), *job.ResultKey)
	if err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Internal, "head result object", err))
		return
	}

	writeJSON(w, http.StatusOK, JobResultResponse{GetURL: getURL, Filename: job.OutputName, SizeBytes: size})
}

// CancelJob handles POST /jobs/cancel/{id}.
func (c *Controller) CancelJob(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	job, err := c.loadOwnedJob(r, user)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()

	if err := c.store.SetCancelRequested(ctx, job.ID); err != nil {
		writeErr(w, err)
		return
	}

	if job.Status == store.JobQueued {
		if err := c.bus.Remove(ctx, job.GPUClass, mustEnvelope(job)); err != nil {
			c.logger.Warn("remove queued job failed", obs.String("job_id", job.ID), obs.Err(err))
		}
		if err := c.store.UpdateJobStatus(ctx, job.ID, store.JobCancelled, nil); err != nil {
			writeErr(w, err)
			return
		}
		if err := c.ledger.VoidReservation(ctx, job.ID, "cancelled_before_dequeue"); err != nil {
			c.logger.Warn("void reservation on cancel failed", obs.String("job_id", job.ID), obs.Err(err))
		}
		if err := c.store.AppendEvent(ctx, &store.JobEvent{JobID: job.ID, EventType: string(store.JobCancelled), Message: "cancelled before dequeue"}); err != nil {
			c.logger.Warn("append cancel event failed", obs.String("job_id", job.ID), obs.Err(err))
		}
		if err := c.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(store.JobCancelled), Progress: job.ProgressPercent}); err != nil {
			c.logger.Warn("publish cancel progress failed", obs.String("job_id", job.ID), obs.Err(err))
		}
		if c.events != nil {
			c.events.PublishTerminal(eventbus.TerminalEvent{JobID: job.ID, UserID: user.ID, Status: string(store.JobCancelled)})
		}
	}

	writeJSON(w, http.StatusOK, AcknowledgeResponse{Acknowledged: true})
}

// mustEnvelope rebuilds the queue envelope bytes a QUEUED job was pushed
// with, so cancel can best-effort remove it from the FIFO it's still
// sitting in. A job that has already been dequeued simply won't match and
// Remove is a no-op.
func mustEnvelope(job *store.Job) string {
	env := queuebus.RenderJob{JobID: job.ID, UserID: job.UserID, GPUClass: job.GPUClass}
	payload, _ := env.Marshal()
	return string(payload)
}

// JobHistory handles GET /jobs/history.
func (c *Controller) JobHistory(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	jobs, err := c.store.ListJobsForUser(r.Context(), user.ID, 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries := make([]JobHistoryEntry, 0, len(jobs))
	for _, j := range jobs {
		entries = append(entries, JobHistoryEntry{
			JobID: j.ID, Status: string(j.Status), Preset: j.Preset, CostUSD: j.CostEstimateUSD,
			CreatedAt: j.CreatedAt.Format(timeRFC3339), CacheHit: j.CacheHit,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

const timeRFC3339 = "2006-01-02T15:04:05Z07:00"

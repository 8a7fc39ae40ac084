// Copyright 2025 James Ross
package worker

import (
	"archive/zip"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/breaker"
	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/estimator"
	"github.com/renderhub/dispatch/internal/eventbus"
	"github.com/renderhub/dispatch/internal/ledger"
	"github.com/renderhub/dispatch/internal/mailer"
	"github.com/renderhub/dispatch/internal/manifest"
	"github.com/renderhub/dispatch/internal/obs"
	"github.com/renderhub/dispatch/internal/objectstore"
	"github.com/renderhub/dispatch/internal/queuebus"
	"github.com/renderhub/dispatch/internal/store"
)

func init() {
	// klauspost/compress's flate implementation decompresses noticeably
	// faster than stdlib's for the DEFLATE entries a client-built bundle
	// ZIP typically uses.
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// sentinelBundleSHAs are placeholder values a client may submit instead of
// a real digest (e.g. when the bundle is reused from a prior cache hit).
// The worker skips integrity verification for these rather than treating
// them as a mismatch.
var sentinelBundleSHAs = map[string]bool{
	"":        true,
	"pending": true,
	"cache":   true,
}

var progressLineRe = regexp.MustCompile(`PROGRESS:(\d+(?:\.\d+)?)%`)

// Worker dequeues render jobs for a set of GPU classes and drives each one
// through the full render pipeline to a terminal state.
type Worker struct {
	cfg      *config.Config
	rdb      *redis.Client
	store    *store.Store
	bus      *queuebus.Bus
	ledger   *ledger.Ledger
	objects  objectstore.Store
	events   *eventbus.Publisher
	mail     mailer.Mailer
	log      *zap.Logger
	breakers map[string]*breaker.CircuitBreaker
	baseID   string
}

func New(cfg *config.Config, rdb *redis.Client, s *store.Store, bus *queuebus.Bus, l *ledger.Ledger,
	objects objectstore.Store, events *eventbus.Publisher, mail mailer.Mailer, log *zap.Logger) *Worker {
	breakerCfg := breaker.Config{
		Window:           cfg.CircuitBreaker.Window,
		CooldownPeriod:   cfg.CircuitBreaker.CooldownPeriod,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		MinSamples:       cfg.CircuitBreaker.MinSamples,
	}
	breakers := make(map[string]*breaker.CircuitBreaker, len(cfg.Worker.GPUClasses))
	for _, gpuClass := range cfg.Worker.GPUClasses {
		breakers[gpuClass] = breaker.NewFromConfig(breakerCfg)
	}
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	if mail == nil {
		mail = mailer.NoopMailer{}
	}
	return &Worker{cfg: cfg, rdb: rdb, store: s, bus: bus, ledger: l, objects: objects, events: events, mail: mail, log: log, breakers: breakers, baseID: base}
}

// Run spawns cfg.Worker.Count goroutines per configured GPU class and
// blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, gpuClass := range w.cfg.Worker.GPUClasses {
		for i := 0; i < w.cfg.Worker.Count; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("%s-%s-%d", w.baseID, gpuClass, i)
			go func(gpuClass, workerID string) {
				defer wg.Done()
				obs.WorkerActive.Inc()
				defer obs.WorkerActive.Dec()
				w.runOne(ctx, workerID, gpuClass)
			}(gpuClass, workerID)
		}
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for gpuClass, cb := range w.breakers {
					switch cb.State() {
					case breaker.Closed:
						obs.CircuitBreakerState.WithLabelValues(gpuClass).Set(0)
					case breaker.HalfOpen:
						obs.CircuitBreakerState.WithLabelValues(gpuClass).Set(1)
					case breaker.Open:
						obs.CircuitBreakerState.WithLabelValues(gpuClass).Set(2)
					}
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID, gpuClass string) {
	procList := fmt.Sprintf(w.cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(w.cfg.Worker.HeartbeatKeyPattern, workerID)
	cb := w.breakers[gpuClass]

	for ctx.Err() == nil {
		if !cb.Allow() {
			time.Sleep(w.cfg.Worker.BreakerPause)
			continue
		}

		_, deqSpan := obs.StartDequeueSpan(ctx, gpuClass)
		payload, err := w.bus.Dequeue(ctx, gpuClass, procList, w.cfg.Worker.BRPopLPushTimeout)
		deqSpan.End()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("dequeue error", obs.Err(err), obs.String("gpu_class", gpuClass))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if payload == "" {
			continue
		}

		obs.JobsConsumed.Inc()
		_ = w.rdb.Set(ctx, hbKey, payload, w.cfg.Worker.HeartbeatTTL).Err()

		start := time.Now()
		ok := w.processJob(ctx, workerID, gpuClass, procList, hbKey, payload)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

		prev := cb.State()
		cb.Record(ok)
		if curr := cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues(gpuClass).Inc()
		}
	}
}

// processJob decodes the queue envelope, resolves the job's persisted row,
// and drives it through runPipeline. It always removes the payload from the
// processing list and clears the heartbeat, regardless of outcome.
func (w *Worker) processJob(ctx context.Context, workerID, gpuClass, procList, hbKey, payload string) bool {
	defer func() {
		_ = w.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = w.rdb.Del(ctx, hbKey).Err()
	}()

	envelope, err := queuebus.UnmarshalRenderJob(payload)
	if err != nil {
		w.log.Error("invalid queue payload", obs.Err(err))
		return false
	}

	ctx, span := obs.ContextWithJobSpan(ctx, envelope)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", workerID))

	job, err := w.store.GetJob(ctx, envelope.JobID)
	if err != nil {
		w.log.Warn("job missing, skipping", obs.String("job_id", envelope.JobID), obs.Err(err))
		return true
	}
	if job.Status != store.JobQueued {
		w.log.Info("job not queued, skipping", obs.String("job_id", job.ID), obs.String("status", string(job.Status)))
		return true
	}

	return w.runPipeline(ctx, job)
}

// runPipeline implements §4.5's DOWNLOADING → VALIDATING → RENDERING →
// PACKAGING → UPLOADING → COMPLETED state walk. Any step failure routes
// through handleFailure, which applies the retry policy.
func (w *Worker) runPipeline(ctx context.Context, job *store.Job) bool {
	startedAt := time.Now().UTC()

	var m manifest.Manifest
	if err := json.Unmarshal(job.ManifestJSON, &m); err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("unmarshal stored manifest: %w", err))
	}
	custom, err := unmarshalCustomOptions(job.CustomOptionsJSON)
	if err != nil {
		return w.handleFailure(ctx, job, err)
	}
	preset := estimator.Preset(job.Preset)

	scratchDir, err := os.MkdirTemp(w.cfg.Worker.WorkDir, "render-job-*")
	if err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("create scratch dir: %w", err))
	}
	defer os.RemoveAll(scratchDir)

	if err := w.transition(ctx, job, store.JobDownloading, 10, ""); err != nil {
		w.log.Error("transition failed", obs.Err(err))
	}
	bundlePath := filepath.Join(scratchDir, "bundle.zip")
	if err := w.objects.GetFile(ctx, job.BundleKey, bundlePath); err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("download bundle: %w", err))
	}
	if !sentinelBundleSHAs[job.BundleSHA256] {
		sum, err := sha256File(bundlePath)
		if err != nil {
			return w.handleFailure(ctx, job, fmt.Errorf("hash bundle: %w", err))
		}
		if sum != job.BundleSHA256 {
			return w.handleFailure(ctx, job, fmt.Errorf("bundle checksum mismatch: expected %s got %s", job.BundleSHA256, sum))
		}
	}

	if err := w.transition(ctx, job, store.JobValidating, 20, ""); err != nil {
		w.log.Error("transition failed", obs.Err(err))
	}
	extractDir := filepath.Join(scratchDir, "extracted")
	entries, err := extractZip(bundlePath, extractDir)
	if err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("extract bundle: %w", err))
	}
	check := manifest.Check(m, entries)
	if len(check.Errors) > 0 {
		return w.handleFailure(ctx, job, fmt.Errorf("manifest compatibility: %s", strings.Join(check.Errors, "; ")))
	}

	if err := w.transition(ctx, job, store.JobRendering, 30, ""); err != nil {
		w.log.Error("transition failed", obs.Err(err))
	}
	renderedPath, err := w.render(ctx, job, m, extractDir, scratchDir)
	if err != nil {
		if err == errCancelled {
			return w.handleCancellation(ctx, job)
		}
		return w.handleFailure(ctx, job, err)
	}

	if err := w.transition(ctx, job, store.JobPackaging, 85, ""); err != nil {
		w.log.Error("transition failed", obs.Err(err))
	}
	outputPath, outputName, err := w.transcode(ctx, renderedPath, scratchDir, preset, custom)
	if err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("transcode: %w", err))
	}

	if err := w.transition(ctx, job, store.JobUploading, 92, ""); err != nil {
		w.log.Error("transition failed", obs.Err(err))
	}
	resultKey := objectstore.ResultKey(job.UserID, job.ID, outputName)
	f, err := os.Open(outputPath)
	if err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("open rendered output: %w", err))
	}
	uploadErr := w.objects.PutFile(ctx, resultKey, f)
	f.Close()
	if uploadErr != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("upload result: %w", uploadErr))
	}

	return w.complete(ctx, job, m, preset, custom, resultKey, outputName, startedAt)
}

// complete finishes a job that rendered successfully: settles credits at
// actual cost, records usage, seeds the result cache, and notifies.
func (w *Worker) complete(ctx context.Context, job *store.Job, m manifest.Manifest, preset estimator.Preset,
	custom *estimator.CustomOptions, resultKey, outputName string, startedAt time.Time) bool {

	billedMinutes := time.Since(startedAt).Minutes()
	if billedMinutes < 1.0 {
		billedMinutes = 1.0
	}
	actualCost := estimator.ActualCost(w.cfg.Pricing, m, preset, job.BundleSizeBytes, billedMinutes, custom)

	if err := w.ledger.SettleJob(ctx, job.ID, actualCost); err != nil {
		w.log.Error("settle job failed", obs.String("job_id", job.ID), obs.Err(err))
	}
	month := time.Now().UTC().Format("2006-01")
	if err := w.store.IncrementUsage(ctx, job.UserID, month, actualCost, billedMinutes); err != nil {
		w.log.Error("increment usage failed", obs.String("job_id", job.ID), obs.Err(err))
	}
	if err := w.store.PutCacheEntry(ctx, job.ManifestHash, job.Preset, resultKey, outputName); err != nil {
		w.log.Warn("put cache entry failed", obs.String("job_id", job.ID), obs.Err(err))
	}
	if err := w.store.CompleteJob(ctx, job.ID, resultKey, actualCost, false); err != nil {
		w.log.Error("complete job failed", obs.String("job_id", job.ID), obs.Err(err))
	}
	if err := w.store.AppendEvent(ctx, &store.JobEvent{JobID: job.ID, EventType: string(store.JobCompleted), Message: "render completed"}); err != nil {
		w.log.Error("append event failed", obs.Err(err))
	}
	if err := w.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(store.JobCompleted), Progress: 100}); err != nil {
		w.log.Warn("publish progress failed", obs.Err(err))
	}
	w.events.PublishTerminal(eventbus.TerminalEvent{JobID: job.ID, UserID: job.UserID, Status: string(store.JobCompleted), CostUSD: actualCost})

	if job.NotificationEmail != nil && *job.NotificationEmail != "" {
		go w.notifyComplete(context.Background(), job, resultKey, outputName)
	}

	obs.SetSpanSuccess(ctx)
	obs.JobsCompleted.Inc()
	w.log.Info("job completed", obs.String("job_id", job.ID), obs.String("result_key", resultKey), obs.Float64("actual_cost_usd", actualCost))
	return true
}

func (w *Worker) notifyComplete(ctx context.Context, job *store.Job, resultKey, outputName string) {
	url, err := w.objects.PresignGet(ctx, resultKey)
	if err != nil {
		w.log.Warn("presign result for notification failed", obs.String("job_id", job.ID), obs.Err(err))
		return
	}
	body := fmt.Sprintf("Your render %q is ready: %s", outputName, url)
	if err := w.mail.Send(ctx, *job.NotificationEmail, "Your render is ready", body); err != nil {
		w.log.Warn("send completion email failed", obs.String("job_id", job.ID), obs.Err(err))
	}
}

var errCancelled = fmt.Errorf("job cancelled")

// render spawns the renderer subprocess, parsing its stdout for progress
// lines and polling the job row for a cooperative cancel request. It
// returns the path to the rendered intermediate file.
func (w *Worker) render(ctx context.Context, job *store.Job, m manifest.Manifest, extractDir, scratchDir string) (string, error) {
	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.Worker.RenderTimeout)
	defer cancel()

	projectPath := filepath.Join(extractDir, "project.aep")
	outputPath := filepath.Join(scratchDir, "rendered.mov")
	cmd := exec.CommandContext(renderCtx, w.cfg.Worker.RendererPath,
		"-project", projectPath,
		"-comp", m.Composition.Name,
		"-output", outputPath,
		"-continueOnMissingFootage",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("attach renderer stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start renderer: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	scanner := bufio.NewScanner(stdout)
	pollTicker := time.NewTicker(2 * time.Second)
	defer pollTicker.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var cancelRequested bool
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if pct, ok := parseProgressLine(line); ok {
				progress := 30 + pct*0.6
				if err := w.transition(ctx, job, store.JobRendering, progress, ""); err != nil {
					w.log.Warn("progress transition failed", obs.Err(err))
				}
			}
		case <-pollTicker.C:
			fresh, err := w.store.GetJob(ctx, job.ID)
			if err == nil && fresh.CancelRequested {
				cancelRequested = true
				_ = cmd.Process.Kill()
			}
		case err := <-done:
			if cancelRequested {
				return "", errCancelled
			}
			if renderCtx.Err() == context.DeadlineExceeded {
				return "", errors.New("Render timeout")
			}
			if err != nil {
				return "", fmt.Errorf("renderer exited: %w", err)
			}
			return outputPath, nil
		}
	}
}

func parseProgressLine(line string) (float64, bool) {
	m := progressLineRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct / 100.0, true
}

// transcodeTarget resolves the preset (and, for custom, the job's codec and
// bitrate overrides) into the concrete ffmpeg arguments and output filename
// named in §3's transcode targets.
func transcodeTarget(preset estimator.Preset, custom *estimator.CustomOptions, renderedPath, outputPath string) (outputName string, args []string) {
	codec := "h264"
	bitrate := 8.0
	switch preset {
	case estimator.PresetWeb:
		bitrate = 8.0
	case estimator.PresetSocial:
		bitrate = 12.0
	case estimator.PresetHighQuality:
		codec = "prores"
	case estimator.PresetCustom:
		if custom != nil {
			if custom.Codec != "" {
				codec = custom.Codec
			}
			if custom.BitrateMbps > 0 {
				bitrate = custom.BitrateMbps
			}
		}
	}

	if codec == "prores" {
		outputName = "output.mov"
		args = []string{
			"-y", "-i", renderedPath,
			"-c:v", "prores_ks", "-profile:v", "3",
			"-c:a", "pcm_s16le",
		}
	} else {
		outputName = "output.mp4"
		args = []string{
			"-y", "-i", renderedPath,
			"-c:v", "libx264", "-preset", "fast",
			"-b:v", fmt.Sprintf("%gM", bitrate),
			"-pix_fmt", "yuv420p",
			"-c:a", "aac", "-b:a", "192k",
		}
	}
	return outputName, append(args, outputPath)
}

// transcode converts the rendered intermediate into the preset's target
// container and codec.
func (w *Worker) transcode(ctx context.Context, renderedPath, scratchDir string, preset estimator.Preset, custom *estimator.CustomOptions) (string, string, error) {
	outputName, _ := transcodeTarget(preset, custom, renderedPath, "")
	outputPath := filepath.Join(scratchDir, outputName)
	_, args := transcodeTarget(preset, custom, renderedPath, outputPath)

	cmd := exec.CommandContext(ctx, w.cfg.Worker.FFmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("ffmpeg failed: %w: %s", err, string(out))
	}
	return outputPath, outputName, nil
}

// handleFailure applies §4.5's retry policy: re-enqueue while attempts
// remain, otherwise mark FAILED and void the reservation.
func (w *Worker) handleFailure(ctx context.Context, job *store.Job, cause error) bool {
	obs.RecordError(ctx, cause)
	msg := cause.Error()
	w.log.Warn("job failed", obs.String("job_id", job.ID), obs.Err(cause))

	attempts, err := w.store.IncrementAttempts(ctx, job.ID)
	if err != nil {
		w.log.Error("increment attempts failed", obs.Err(err))
		attempts = job.Attempts + 1
	}

	if attempts < job.MaxAttempts {
		obs.JobsRetried.Inc()
		if err := w.store.UpdateJobStatus(ctx, job.ID, store.JobQueued, &msg); err != nil {
			w.log.Error("requeue status update failed", obs.Err(err))
		}
		if err := w.store.UpdateJobProgress(ctx, job.ID, 10); err != nil {
			w.log.Error("requeue progress update failed", obs.Err(err))
		}
		if err := w.bus.Enqueue(ctx, queuebus.RenderJob{JobID: job.ID, UserID: job.UserID, GPUClass: job.GPUClass, Retries: attempts}); err != nil {
			w.log.Error("re-enqueue failed", obs.Err(err))
		}
		if pubErr := w.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(store.JobQueued), Progress: 10, Error: msg}); pubErr != nil {
			w.log.Warn("publish progress failed", obs.Err(pubErr))
		}
		return false
	}

	obs.JobsFailed.Inc()
	if err := w.store.UpdateJobStatus(ctx, job.ID, store.JobFailed, &msg); err != nil {
		w.log.Error("fail status update failed", obs.Err(err))
	}
	if err := w.store.AppendEvent(ctx, &store.JobEvent{JobID: job.ID, EventType: string(store.JobFailed), Message: msg}); err != nil {
		w.log.Error("append event failed", obs.Err(err))
	}
	if err := w.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(store.JobFailed), Progress: job.ProgressPercent, Error: msg}); err != nil {
		w.log.Warn("publish progress failed", obs.Err(err))
	}
	if err := w.ledger.VoidReservation(ctx, job.ID, "job_failed"); err != nil {
		w.log.Error("void reservation failed", obs.Err(err))
	}
	w.events.PublishTerminal(eventbus.TerminalEvent{JobID: job.ID, UserID: job.UserID, Status: string(store.JobFailed), Error: msg})
	obs.JobsDeadLetter.Inc()
	return false
}

// handleCancellation finalizes a job whose cancel flag was observed during
// rendering: the reservation is voided since no billable work is charged
// for a cancelled render.
func (w *Worker) handleCancellation(ctx context.Context, job *store.Job) bool {
	if err := w.store.UpdateJobStatus(ctx, job.ID, store.JobCancelled, nil); err != nil {
		w.log.Error("cancel status update failed", obs.Err(err))
	}
	if err := w.store.AppendEvent(ctx, &store.JobEvent{JobID: job.ID, EventType: string(store.JobCancelled), Message: "cancelled during render"}); err != nil {
		w.log.Error("append event failed", obs.Err(err))
	}
	if err := w.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(store.JobCancelled), Progress: job.ProgressPercent}); err != nil {
		w.log.Warn("publish progress failed", obs.Err(err))
	}
	if err := w.ledger.VoidReservation(ctx, job.ID, "cancelled"); err != nil {
		w.log.Error("void reservation failed", obs.Err(err))
	}
	w.events.PublishTerminal(eventbus.TerminalEvent{JobID: job.ID, UserID: job.UserID, Status: string(store.JobCancelled)})
	w.log.Info("job cancelled", obs.String("job_id", job.ID))
	return true
}

// transition writes a JobEvent and publishes a progress message for a
// status/progress change, the single-writer ordering guarantee spec §4.4
// requires.
func (w *Worker) transition(ctx context.Context, job *store.Job, status store.JobStatus, progress float64, errMsg string) error {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	if err := w.store.UpdateJobStatus(ctx, job.ID, status, errPtr); err != nil {
		return err
	}
	if err := w.store.UpdateJobProgress(ctx, job.ID, progress); err != nil {
		return err
	}
	if err := w.store.AppendEvent(ctx, &store.JobEvent{JobID: job.ID, EventType: string(status), Message: errMsg}); err != nil {
		return err
	}
	return w.bus.PublishProgress(ctx, queuebus.ProgressEvent{JobID: job.ID, Status: string(status), Progress: progress, Error: errMsg})
}

func unmarshalCustomOptions(raw []byte) (*estimator.CustomOptions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c estimator.CustomOptions
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("unmarshal custom options: %w", err)
	}
	return &c, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// extractZip unpacks a bundle ZIP to destDir and returns the bundle's file
// listing, used both for required-asset checks and the render invocation.
func extractZip(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	var entries []string
	for _, f := range r.File {
		entries = append(entries, f.Name)
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("zip entry %q escapes destination", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return nil, err
		}
		if err := extractZipFile(f, destPath); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func extractZipFile(f *zip.File, destPath string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Package store is the relational persistence layer for users, jobs, job
// events, monthly usage aggregates, and the render result cache. It runs
// against Postgres (lib/pq) in production and SQLite (mattn/go-sqlite3) in
// unit tests, through the same database/sql surface.
package store

import "time"

// JobStatus is one state in the job lifecycle state machine.
type JobStatus string

const (
	JobQueued      JobStatus = "QUEUED"
	JobDownloading JobStatus = "DOWNLOADING"
	JobValidating  JobStatus = "VALIDATING"
	JobRendering   JobStatus = "RENDERING"
	JobPackaging   JobStatus = "PACKAGING"
	JobUploading   JobStatus = "UPLOADING"
	JobCompleted   JobStatus = "COMPLETED"
	JobFailed      JobStatus = "FAILED"
	JobCancelled   JobStatus = "CANCELLED"
)

// IsTerminal reports whether a job in this status is immutable except for
// admin actions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// User is an account that owns jobs and a credit balance.
type User struct {
	ID               string
	Email            string
	APIKeyHash       string
	APIKeyHint       string
	IsActive         bool
	IsAdmin          bool
	MonthlyLimitUSD  float64
	PerJobMaxUSD     float64
	CreatedAt        time.Time
}

// Job is a single render request and its lifecycle state.
type Job struct {
	ID                 string
	UserID             string
	Status             JobStatus
	Preset             string
	GPUClass           string
	ManifestJSON       []byte
	CustomOptionsJSON  []byte
	ManifestHash       string
	ProjectHash        string
	BundleKey          string
	BundleSHA256       string
	BundleSizeBytes    int64
	ResultKey          *string
	OutputName         string
	NotificationEmail  *string
	CostEstimateUSD    float64
	CostFinalUSD       *float64
	ETASeconds         int
	ProgressPercent    float64
	Attempts           int
	MaxAttempts        int
	ErrorMessage       *string
	CancelRequested    bool
	CacheHit           bool
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
}

// JobEvent is an append-only per-job log entry.
type JobEvent struct {
	ID        string
	JobID     string
	EventType string
	Message   string
	DataJSON  []byte
	CreatedAt time.Time
}

// Usage is a per-user, per-month aggregate used only for cap enforcement.
type Usage struct {
	ID        string
	UserID    string
	Month     string
	CostUSD   float64
	Minutes   float64
	UpdatedAt time.Time
}

// CacheEntry maps a (manifest fingerprint, preset) pair to a previously
// rendered result.
type CacheEntry struct {
	ID         string
	ManifestHash string
	Preset     string
	ResultKey  string
	OutputName string
	CreatedAt  time.Time
}

package controller

import "encoding/json"

// EstimateRequest is the body of POST /estimate. BundleKey identifies the
// already-uploaded bundle whose size the handler looks up in storage; a
// client-supplied size is not trusted.
type EstimateRequest struct {
	ManifestJSON  json.RawMessage `json:"manifest"`
	Preset        string          `json:"preset"`
	BundleKey     string          `json:"bundleKey"`
	CustomOptions *customOptsDTO  `json:"customOptions,omitempty"`
}

type customOptsDTO struct {
	Codec       string  `json:"codec"`
	BitrateMbps float64 `json:"bitrateMbps"`
}

// EstimateResponse is the body of POST /estimate and the estimate fields
// embedded in a create-job response.
type EstimateResponse struct {
	CostUSD    float64  `json:"costUsd"`
	ETASeconds int      `json:"etaSeconds"`
	GPUClass   string   `json:"gpuClass"`
	Warnings   []string `json:"warnings,omitempty"`
}

// UploadRequest is the body of POST /upload.
type UploadRequest struct {
	ManifestHash string `json:"manifestHash"`
}

// UploadResponse is the body of POST /upload.
type UploadResponse struct {
	PutURL     string   `json:"putUrl"`
	BundleKey  string   `json:"bundleKey"`
	Headers    []string `json:"requiredHeaders"`
	ExpiresIn  int      `json:"expiresInSeconds"`
}

// CreateJobRequest is the body of POST /jobs/create. ManifestHash is the
// fingerprint the client computed before calling /upload; the controller
// recomputes it server-side and rejects a mismatch as a integrity failure.
// AllowCache defaults to true (matching the original's schema default) when
// the client omits it; a client sets it to false to force a fresh render.
type CreateJobRequest struct {
	ManifestJSON      json.RawMessage `json:"manifest"`
	ManifestHash      string          `json:"manifestHash"`
	Preset            string          `json:"preset"`
	CustomOptions     *customOptsDTO  `json:"customOptions,omitempty"`
	BundleSHA256      string          `json:"bundleSha256"`
	BundleSizeBytes   int64           `json:"bundleSizeBytes"`
	NotificationEmail string          `json:"notificationEmail,omitempty"`
	AllowCache        *bool           `json:"allowCache,omitempty"`
}

// allowCache reports whether the cache short-circuit is permitted,
// defaulting to true when the client didn't send the field.
func (r *CreateJobRequest) allowCache() bool {
	return r.AllowCache == nil || *r.AllowCache
}

// CreateJobResponse is the body of POST /jobs/create.
type CreateJobResponse struct {
	JobID               string   `json:"jobId"`
	Status              string   `json:"status"`
	CostUSD             float64  `json:"costUsd"`
	ETASeconds          int      `json:"etaSeconds"`
	ProgressSubscribeURL string  `json:"progressSubscribeUrl"`
	DashboardURL        string   `json:"dashboardUrl"`
	Warnings            []string `json:"warnings,omitempty"`
}

// JobStatusResponse is the body of GET /jobs/status/{id}.
type JobStatusResponse struct {
	JobID           string  `json:"jobId"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progressPercent"`
	ETASeconds      int     `json:"etaSeconds"`
	Error           string  `json:"error,omitempty"`
}

// JobResultResponse is the body of GET /jobs/result/{id}.
type JobResultResponse struct {
	GetURL   string `json:"getUrl"`
	Filename string `json:"filename"`
	SizeBytes int64 `json:"sizeBytes"`
}

// JobHistoryEntry is one item of GET /jobs/history.
type JobHistoryEntry struct {
	JobID      string  `json:"jobId"`
	Status     string  `json:"status"`
	Preset     string  `json:"preset"`
	CostUSD    float64 `json:"costUsd"`
	CreatedAt  string  `json:"createdAt"`
	CacheHit   bool    `json:"cacheHit"`
}

// CreditsResponse is the body of GET /credits.
type CreditsResponse struct {
	PostedUSD   float64          `json:"postedUsd"`
	ReservedUSD float64          `json:"reservedUsd"`
	AvailableUSD float64         `json:"availableUsd"`
	Entries     []LedgerEntryDTO `json:"entries"`
}

// LedgerEntryDTO is a single credit ledger row in the §6 /credits response.
type LedgerEntryDTO struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	AmountUSD float64 `json:"amountUsd"`
	JobID     string  `json:"jobId,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

// AdjustCreditsRequest is the body of POST /admin/credits/adjust.
type AdjustCreditsRequest struct {
	UserID     string  `json:"userId"`
	AmountUSD  float64 `json:"amountUsd"`
	Reason     string  `json:"reason"`
	ExternalID string  `json:"externalId,omitempty"`
}

// IssueAPIKeyRequest is the body of POST /admin/users/api-keys.
type IssueAPIKeyRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

// IssueAPIKeyResponse returns the raw key exactly once; only its bcrypt
// hash is ever persisted.
type IssueAPIKeyResponse struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
	Hint   string `json:"hint"`
}

// AcknowledgeResponse is the generic body for fire-and-forget operations
// (cancel, admin credit adjustment) whose contract is only that they acknowledge.
type AcknowledgeResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// Copyright 2025 James Ross
package obs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/renderhub/dispatch/internal/config"
)

// AuditEntry is one administrative action: a credit adjustment or an API
// key issuance, recorded independently of whatever the request handler
// itself logs.
type AuditEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	TargetID  string                 `json:"targetId"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger writes AuditEntry records to a size-rotated file. A disabled
// logger is a no-op so callers never need to nil-check before logging.
type AuditLogger struct {
	mu      sync.Mutex
	file    *lumberjack.Logger
	enabled bool
}

// NewAuditLogger builds an AuditLogger from cfg.Audit. When disabled, Log
// returns nil without touching the filesystem.
func NewAuditLogger(cfg config.Audit) (*AuditLogger, error) {
	if !cfg.Enabled {
		return &AuditLogger{enabled: false}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &AuditLogger{
		enabled: true,
		file: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}, nil
}

// Log appends entry as a JSON line. It stamps Timestamp if the caller left
// it zero.
func (a *AuditLogger) Log(entry AuditEntry) error {
	if a == nil || !a.enabled {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.file.Write(append(line, '\n'))
	return err
}

// Close flushes and closes the underlying rotated file.
func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}

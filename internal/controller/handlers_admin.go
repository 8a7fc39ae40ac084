package controller

import (
	"encoding/json"
	"net/http"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/obs"
)

// AdjustCredits handles POST /admin/credits/adjust, behind requireAdmin.
// AmountUSD may be negative; ledger.AdjustCredits posts it as-is.
func (c *Controller) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req AdjustCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "malformed request body", err))
		return
	}
	if req.UserID == "" || req.Reason == "" {
		writeErr(w, dispatcherr.New(dispatcherr.Validation, "userId and reason are required"))
		return
	}

	if err := c.ledger.AdjustCredits(r.Context(), req.UserID, req.AmountUSD, req.Reason, req.ExternalID); err != nil {
		writeErr(w, err)
		return
	}

	actor := userFromContext(r.Context())
	if err := c.audit.Log(obs.AuditEntry{
		Actor:    actor.ID,
		Action:   "credits.adjust",
		TargetID: req.UserID,
		Details:  map[string]interface{}{"amountUsd": req.AmountUSD, "reason": req.Reason},
	}); err != nil {
		c.logger.Warn("audit log write failed", obs.String("action", "credits.adjust"), obs.Err(err))
	}

	writeJSON(w, http.StatusOK, AcknowledgeResponse{Acknowledged: true})
}

// IssueAPIKey handles POST /admin/users/api-keys, behind requireAdmin. It
// generates a new key, persists only its bcrypt hash, and returns the raw
// key exactly once.
func (c *Controller) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	var req IssueAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "malformed request body", err))
		return
	}
	if req.UserID == "" {
		writeErr(w, dispatcherr.New(dispatcherr.Validation, "userId is required"))
		return
	}

	if _, err := c.store.GetUser(r.Context(), req.UserID); err != nil {
		writeErr(w, err)
		return
	}

	key, err := generateAPIKey()
	if err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Internal, "generate api key", err))
		return
	}
	hash, err := hashAPIKey(key)
	if err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Internal, "hash api key", err))
		return
	}
	hint := apiKeyHint(key)

	if err := c.store.SetAPIKey(r.Context(), req.UserID, hash, hint); err != nil {
		writeErr(w, err)
		return
	}

	actor := userFromContext(r.Context())
	if err := c.audit.Log(obs.AuditEntry{
		Actor:    actor.ID,
		Action:   "apikey.issue",
		TargetID: req.UserID,
		Details:  map[string]interface{}{"hint": hint},
	}); err != nil {
		c.logger.Warn("audit log write failed", obs.String("action", "apikey.issue"), obs.Err(err))
	}

	writeJSON(w, http.StatusOK, IssueAPIKeyResponse{UserID: req.UserID, APIKey: key, Hint: hint})
}

func apiKeyHint(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}

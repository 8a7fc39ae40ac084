// Package webhook ingests the payment provider's inbound purchase
// notifications (POST /webhooks/lemon), turning a signed HTTP callback into
// a posted ledger purchase. It is deliberately narrow: one provider, one
// route, one credit side-effect.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/ledger"
	"github.com/renderhub/dispatch/internal/mailer"
	"github.com/renderhub/dispatch/internal/store"
)

// JSONPath expressions used to pull fields out of the provider's payload,
// shaped after Lemon Squeezy's order webhook body. Centralizing them here
// means a second provider only needs a new set of paths, not a rewritten
// handler.
const (
	pathEventName = "$.meta.event_name"
	pathExternal  = "$.data.id"
	pathEmail     = "$.data.attributes.user_email"
	pathTotalUSD  = "$.data.attributes.total_usd"
	pathTotal     = "$.data.attributes.total"
	pathSubtotal  = "$.data.attributes.subtotal"
	pathCurrency  = "$.data.attributes.currency"
	pathVariantID = "$.data.attributes.variant_id"
)

var acceptedEvents = map[string]bool{
	"order_created":                 true,
	"subscription_payment_success": true,
}

// Handler verifies and processes inbound payment webhooks.
type Handler struct {
	cfg     *config.Config
	store   *store.Store
	ledger  *ledger.Ledger
	mail    mailer.Mailer
	log     *zap.Logger
	limiter *rate.Limiter
}

func New(cfg *config.Config, s *store.Store, l *ledger.Ledger, mail mailer.Mailer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if mail == nil {
		mail = mailer.NoopMailer{}
	}
	var limiter *rate.Limiter
	if cfg.Webhook.RateLimitPerSecond > 0 {
		burst := cfg.Webhook.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Webhook.RateLimitPerSecond), burst)
	}
	return &Handler{cfg: cfg, store: s, ledger: l, mail: mail, log: log, limiter: limiter}
}

// RegisterRoutes wires the webhook endpoint onto an existing router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/lemon", h.handleLemon).Methods(http.MethodPost)
}

var signatureHeaders = []string{"X-Signature", "X-Lemon-Squeezy-Signature"}

func (h *Handler) handleLemon(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		writeErr(w, dispatcherr.New(dispatcherr.Policy, "rate limit exceeded"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "read body", err))
		return
	}

	if err := h.verifySignature(r, body); err != nil {
		writeErr(w, err)
		return
	}

	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "invalid JSON payload", err))
		return
	}

	if err := h.process(r.Context(), payload); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// verifySignature checks an HMAC-SHA256 hex digest of the raw body against
// the configured secret, accepting either header name a provider might use.
func (h *Handler) verifySignature(r *http.Request, body []byte) error {
	if h.cfg.Webhook.Secret == "" {
		return dispatcherr.New(dispatcherr.Config, "webhook secret not configured")
	}
	var signature string
	for _, name := range signatureHeaders {
		if v := r.Header.Get(name); v != "" {
			signature = v
			break
		}
	}
	if signature == "" {
		return dispatcherr.New(dispatcherr.Auth, "missing webhook signature header")
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.Webhook.Secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(given, expected) {
		return dispatcherr.New(dispatcherr.Auth, "invalid webhook signature")
	}
	return nil
}

// process extracts the fields we need from the payload and posts the
// purchase. Event types we don't recognize are acknowledged without any
// side effect, since providers retry on anything but a 2xx.
func (h *Handler) process(ctx context.Context, payload interface{}) error {
	eventName, _ := jsonpath.Get(pathEventName, payload)
	name, _ := eventName.(string)
	if !acceptedEvents[name] {
		h.log.Info("ignoring unhandled webhook event", zap.String("event", name))
		return nil
	}

	externalID, err := stringField(payload, pathExternal)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Validation, "missing order id", err)
	}
	email, err := stringField(payload, pathEmail)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Validation, "missing customer email", err)
	}

	amountUSD, err := h.parseAmount(payload)
	if err != nil {
		return err
	}
	if variantID, verr := stringField(payload, pathVariantID); verr == nil {
		if credit, ok := h.cfg.Webhook.VariantCredits[variantID]; ok {
			amountUSD = credit
		}
	}

	user, err := h.findOrCreateUser(ctx, email)
	if err != nil {
		return err
	}

	if err := h.ledger.PurchaseCredits(ctx, user.ID, amountUSD, externalID, "lemon"); err != nil {
		return err
	}
	h.log.Info("posted webhook purchase",
		zap.String("user_id", user.ID), zap.String("external_id", externalID), zap.Float64("amount_usd", amountUSD))
	return nil
}

// parseAmount follows the provider's own priority: a direct USD float if
// present, otherwise an integer cents field that must be denominated in
// USD. Any other currency is rejected rather than silently mis-converted.
func (h *Handler) parseAmount(payload interface{}) (float64, error) {
	if v, err := jsonpath.Get(pathTotalUSD, payload); err == nil {
		if f, ok := toFloat(v); ok {
			return f, nil
		}
	}

	currency, _ := stringField(payload, pathCurrency)
	if !strings.EqualFold(currency, "USD") {
		return 0, dispatcherr.New(dispatcherr.Validation, fmt.Sprintf("unsupported currency %q", currency))
	}

	for _, path := range []string{pathTotal, pathSubtotal} {
		v, err := jsonpath.Get(path, payload)
		if err != nil {
			continue
		}
		if cents, ok := toFloat(v); ok {
			return cents / 100.0, nil
		}
	}
	return 0, dispatcherr.New(dispatcherr.Validation, "no usable amount field in payload")
}

func (h *Handler) findOrCreateUser(ctx context.Context, email string) (*store.User, error) {
	user, err := h.store.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if dispatcherr.KindOf(err) != dispatcherr.NotFound {
		return nil, err
	}
	if !h.cfg.Webhook.AutoCreateUsers {
		return nil, dispatcherr.New(dispatcherr.Validation, "no account for email and auto-create is disabled")
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "generate api key", err)
	}
	hash, err := hashAPIKey(apiKey)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "hash api key", err)
	}

	newUser := &store.User{
		Email:      email,
		APIKeyHash: hash,
		APIKeyHint: apiKeyHint(apiKey),
		IsActive:   true,
	}
	if err := h.store.CreateUser(ctx, newUser); err != nil {
		return nil, err
	}

	if sendErr := h.mail.Send(ctx, email, "Your render queue API key",
		fmt.Sprintf("A purchase was received for this email. Your new API key is: %s", apiKey)); sendErr != nil {
		h.log.Warn("failed to email new api key", zap.String("email", email), zap.Error(sendErr))
	}
	return newUser, nil
}

func stringField(payload interface{}, path string) (string, error) {
	v, err := jsonpath.Get(path, payload)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("field at %s is empty or not a string", path)
	}
	return s, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(h), err
}

func apiKeyHint(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}

func statusForKind(kind dispatcherr.Kind) int {
	switch kind {
	case dispatcherr.Auth:
		return http.StatusUnauthorized
	case dispatcherr.Forbidden:
		return http.StatusForbidden
	case dispatcherr.NotFound:
		return http.StatusNotFound
	case dispatcherr.Policy:
		return http.StatusTooManyRequests
	case dispatcherr.Validation, dispatcherr.State:
		return http.StatusBadRequest
	case dispatcherr.Config, dispatcherr.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	kind := dispatcherr.KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]string{"error": err.Error(), "code": string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package controller

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/ledger"
	"github.com/renderhub/dispatch/internal/mailer"
	"github.com/renderhub/dispatch/internal/store"
)

// fakeObjectStore implements objectstore.Store without talking to S3.
type fakeObjectStore struct{}

func (fakeObjectStore) PresignPut(ctx context.Context, key string) (string, error) {
	return "https://upload.example/" + key, nil
}
func (fakeObjectStore) PresignGet(ctx context.Context, key string) (string, error) {
	return "https://download.example/" + key, nil
}
func (fakeObjectStore) HeadObjectSize(ctx context.Context, key string) (int64, error) {
	return 2048, nil
}
func (fakeObjectStore) PutFile(ctx context.Context, key string, r io.Reader) error { return nil }
func (fakeObjectStore) GetFile(ctx context.Context, key, destPath string) error    { return nil }
func (fakeObjectStore) ObjectExists(ctx context.Context, key string) (bool, error) { return true, nil }

func setupControllerTest(t *testing.T) (*Controller, *store.Store, *ledger.Ledger) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, store.SQLite)
	require.NoError(t, s.Migrate(context.Background()))

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Audit.Enabled = false

	l := ledger.New(s)
	c := New(cfg, s, l, nil, fakeObjectStore{}, nil, mailer.NoopMailer{}, nil, zap.NewNop())
	return c, s, l
}

func seedTestUser(t *testing.T, s *store.Store, isAdmin bool) (*store.User, string) {
	t.Helper()
	key, err := generateAPIKey()
	require.NoError(t, err)
	hash, err := hashAPIKey(key)
	require.NoError(t, err)

	email := "user@example.com"
	if isAdmin {
		email = "admin@example.com"
	}
	u := &store.User{
		Email: email, APIKeyHash: hash, APIKeyHint: apiKeyHint(key),
		IsActive: true, IsAdmin: isAdmin, MonthlyLimitUSD: 500, PerJobMaxUSD: 100,
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u, key
}

const sampleManifest = `{"composition":{"name":"Main","durationSeconds":10},"project":{"hash":"ph1"},"effects":[]}`

func TestEstimateRequiresAuth(t *testing.T) {
	c, _, _ := setupControllerTest(t)
	router := NewRouter(c, nil)

	req := httptest.NewRequest(http.MethodPost, "/estimate", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEstimateReturnsCostAndETA(t *testing.T) {
	c, s, _ := setupControllerTest(t)
	_, key := seedTestUser(t, s, false)
	router := NewRouter(c, nil)

	body, err := json.Marshal(EstimateRequest{
		ManifestJSON: json.RawMessage(sampleManifest),
		Preset:       "web",
		BundleKey:    "users/u1/bundles/fp123.zip",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/estimate", bytes.NewReader(body))
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Greater(t, resp.CostUSD, 0.0)
	require.Greater(t, resp.ETASeconds, 0)
}

func TestUploadTicketReturnsPresignedURL(t *testing.T) {
	c, s, _ := setupControllerTest(t)
	_, key := seedTestUser(t, s, false)
	router := NewRouter(c, nil)

	body, err := json.Marshal(UploadRequest{ManifestHash: "fp123"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.PutURL, "fp123")
}

func TestCreditsReflectsPurchases(t *testing.T) {
	c, s, l := setupControllerTest(t)
	u, key := seedTestUser(t, s, false)
	require.NoError(t, l.PurchaseCredits(context.Background(), u.ID, 25.0, "ext-1", "stripe"))
	router := NewRouter(c, nil)

	req := httptest.NewRequest(http.MethodGet, "/credits", nil)
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CreditsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.InDelta(t, 25.0, resp.PostedUSD, 0.001)
	require.Len(t, resp.Entries, 1)
}

func TestAdminEndpointsRejectNonAdmin(t *testing.T) {
	c, s, _ := setupControllerTest(t)
	_, key := seedTestUser(t, s, false)
	router := NewRouter(c, nil)

	body, _ := json.Marshal(AdjustCreditsRequest{UserID: "whoever", AmountUSD: 10, Reason: "test"})
	req := httptest.NewRequest(http.MethodPost, "/admin/credits/adjust", bytes.NewReader(body))
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminAdjustCreditsAppliesBalance(t *testing.T) {
	c, s, l := setupControllerTest(t)
	_, adminKey := seedTestUser(t, s, true)
	target, _ := seedTestUser(t, s, false)
	router := NewRouter(c, nil)

	body, _ := json.Marshal(AdjustCreditsRequest{UserID: target.ID, AmountUSD: 15, Reason: "goodwill credit"})
	req := httptest.NewRequest(http.MethodPost, "/admin/credits/adjust", bytes.NewReader(body))
	req.Header.Set("X-API-Key", adminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal, err := l.Balances(context.Background(), target.ID)
	require.NoError(t, err)
	require.InDelta(t, 15.0, bal.PostedUSD, 0.001)
}

func TestAdminIssueAPIKeyReturnsWorkingKey(t *testing.T) {
	c, s, _ := setupControllerTest(t)
	_, adminKey := seedTestUser(t, s, true)
	target, _ := seedTestUser(t, s, false)
	router := NewRouter(c, nil)

	body, _ := json.Marshal(IssueAPIKeyRequest{UserID: target.ID})
	req := httptest.NewRequest(http.MethodPost, "/admin/users/api-keys", bytes.NewReader(body))
	req.Header.Set("X-API-Key", adminKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp IssueAPIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	estReq := httptest.NewRequest(http.MethodPost, "/estimate", bytes.NewBufferString(`{"manifest":`+sampleManifest+`,"preset":"web","bundleSizeBytes":1024}`))
	estReq.Header.Set("X-API-Key", resp.APIKey)
	estRec := httptest.NewRecorder()
	router.ServeHTTP(estRec, estReq)
	require.Equal(t, http.StatusOK, estRec.Code, estRec.Body.String())
}

func TestRateLimitMiddlewareBlocksBurst(t *testing.T) {
	c, _, _ := setupControllerTest(t)
	c.cfg.API.RateLimitPerSecond = 1
	c.cfg.API.RateLimitBurst = 1
	router := NewRouter(c, nil)

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/estimate", bytes.NewBufferString(`{}`))
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	// First request consumes the single burst token (and fails auth, since
	// the request carries no X-API-Key header); the following two are rejected by the
	// rate limiter itself before auth ever runs.
	require.Equal(t, http.StatusUnauthorized, codes[0])
	require.Equal(t, statusForKind(dispatcherr.Policy), codes[1])
}

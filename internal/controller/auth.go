package controller

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/store"
)

type contextKey string

const contextKeyUser contextKey = "dispatch_user"

// claims is the HS256 JWT payload; subject is the user id.
type claims struct {
	Subject string `json:"sub"`
	Exp     int64  `json:"exp"`
}

// issueAccessToken mints a hand-rolled HS256 JWT, matching the teacher's
// manual validateJWT rather than pulling in a JWT library the example
// corpus never uses.
func (c *Controller) issueAccessToken(userID string) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims{
		Subject: userID,
		Exp:     time.Now().Add(c.cfg.JWT.AccessTokenExpiry).Unix(),
	})
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	signingInput := header + "." + payloadB64
	sig := hmac.New(sha256.New, []byte(c.cfg.JWT.Secret))
	sig.Write([]byte(signingInput))
	sigB64 := base64.RawURLEncoding.EncodeToString(sig.Sum(nil))
	return signingInput + "." + sigB64, nil
}

func (c *Controller) validateAccessToken(token string) (*claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed token")
	}
	signingInput := parts[0] + "." + parts[1]
	expected := hmac.New(sha256.New, []byte(c.cfg.JWT.Secret))
	expected.Write([]byte(signingInput))
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(sig, expected.Sum(nil)) {
		return nil, fmt.Errorf("invalid signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	var cl claims
	if err := json.Unmarshal(payload, &cl); err != nil {
		return nil, err
	}
	if time.Now().Unix() > cl.Exp {
		return nil, fmt.Errorf("token expired")
	}
	return &cl, nil
}

// hashAPIKey and verifyAPIKey wrap bcrypt the way the original Python
// service uses passlib's bcrypt scheme.
func hashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(h), err
}

func verifyAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// authenticateAPIKey scans every active user's bcrypt hash looking for a
// match. This is an O(active users) operation, ported as-is from the
// reference implementation; a production deployment with a large user
// base would add a deterministic lookup index, but bcrypt's hash is not
// directly indexable and the spec does not call for schema changes here.
func (c *Controller) authenticateAPIKey(ctx context.Context, key string) (*store.User, error) {
	users, err := c.store.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if verifyAPIKey(key, users[i].APIKeyHash) {
			return &users[i], nil
		}
	}
	return nil, dispatcherr.New(dispatcherr.Auth, "invalid API key")
}

// authenticate resolves the caller's user from either an X-API-Key header
// or an Authorization: Bearer JWT, per the §6 authentication contract.
func (c *Controller) authenticate(r *http.Request) (*store.User, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return c.authenticateAPIKey(r.Context(), key)
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, dispatcherr.New(dispatcherr.Auth, "missing credentials")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, dispatcherr.New(dispatcherr.Auth, "invalid authorization header")
	}
	cl, err := c.validateAccessToken(parts[1])
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Auth, "invalid or expired token", err)
	}
	user, err := c.store.GetUser(r.Context(), cl.Subject)
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.Auth, "user no longer exists")
	}
	if !user.IsActive {
		return nil, dispatcherr.New(dispatcherr.Auth, "user is deactivated")
	}
	return user, nil
}

// authMiddleware resolves the caller and attaches it to the request
// context; handlers that require admin additionally call requireAdmin.
func (c *Controller) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := c.authenticate(r)
		if err != nil {
			writeErr(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUser, user)
		next(w, r.WithContext(ctx))
	}
}

func userFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(contextKeyUser).(*store.User)
	return u
}

func (c *Controller) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return c.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		if user == nil || !user.IsAdmin {
			writeErr(w, dispatcherr.New(dispatcherr.Forbidden, "admin privileges required"))
			return
		}
		next(w, r)
	})
}

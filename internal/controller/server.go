package controller

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/webhook"
)

var errRateLimited = dispatcherr.New(dispatcherr.Policy, "rate limit exceeded")

// NewRouter wires every HTTP route this service exposes: the estimate,
// upload, job lifecycle, credits, and admin surfaces handled by c, plus
// the payment provider's webhook registered onto the same router so it
// shares one listener and one set of outer middlewares.
func NewRouter(c *Controller, webhookHandler *webhook.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoveryMiddleware(c.logger))

	limiter := newIPRateLimiter(c.cfg.API.RateLimitPerSecond, c.cfg.API.RateLimitBurst)
	r.Use(rateLimitMiddleware(limiter))

	r.HandleFunc("/estimate", c.authMiddleware(c.Estimate)).Methods(http.MethodPost)
	r.HandleFunc("/upload", c.authMiddleware(c.UploadTicket)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/create", c.authMiddleware(c.CreateJob)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/status/{id}", c.authMiddleware(c.JobStatus)).Methods(http.MethodGet)
	r.HandleFunc("/jobs/result/{id}", c.authMiddleware(c.JobResult)).Methods(http.MethodGet)
	r.HandleFunc("/jobs/cancel/{id}", c.authMiddleware(c.CancelJob)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/history", c.authMiddleware(c.JobHistory)).Methods(http.MethodGet)
	r.HandleFunc("/credits", c.authMiddleware(c.Credits)).Methods(http.MethodGet)

	r.HandleFunc("/admin/credits/adjust", c.requireAdmin(c.AdjustCredits)).Methods(http.MethodPost)
	r.HandleFunc("/admin/users/api-keys", c.requireAdmin(c.IssueAPIKey)).Methods(http.MethodPost)

	r.HandleFunc("/ws/jobs/{id}", c.authMiddleware(c.JobProgress))

	if webhookHandler != nil {
		webhookHandler.RegisterRoutes(r)
	}

	return r
}

func rateLimitMiddleware(limiter *ipRateLimiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				writeErr(w, errRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

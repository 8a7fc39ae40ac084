package controller

import (
	"encoding/json"
	"net/http"

	"github.com/renderhub/dispatch/internal/dispatcherr"
)

// ErrorResponse is the body returned for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusForKind(kind dispatcherr.Kind) int {
	switch kind {
	case dispatcherr.Auth:
		return http.StatusUnauthorized
	case dispatcherr.Forbidden:
		return http.StatusForbidden
	case dispatcherr.NotFound:
		return http.StatusNotFound
	case dispatcherr.Validation, dispatcherr.Policy, dispatcherr.State:
		return http.StatusBadRequest
	case dispatcherr.Config, dispatcherr.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeErr translates a structured error into the §7 error-kind contract.
// Any error not raised through dispatcherr is treated as INTERNAL.
func writeErr(w http.ResponseWriter, err error) {
	kind := dispatcherr.KindOf(err)
	writeJSON(w, statusForKind(kind), ErrorResponse{Error: err.Error(), Code: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

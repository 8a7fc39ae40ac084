package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/objectstore"
)

// UploadTicket handles POST /upload: issues a presigned PUT for the
// deterministic bundle key so the caller can upload before submitting.
func (c *Controller) UploadTicket(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "malformed request body", err))
		return
	}
	if req.ManifestHash == "" {
		writeErr(w, dispatcherr.New(dispatcherr.Validation, "manifestHash is required"))
		return
	}

	key := objectstore.BundleKey(user.ID, req.ManifestHash)
	putURL, err := c.objects.PresignPut(r.Context(), key)
	if err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Internal, "presign upload", err))
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		PutURL:    putURL,
		BundleKey: key,
		Headers:   []string{"x-amz-server-side-encryption: AES256"},
		ExpiresIn: int(c.presignExpiry().Seconds()),
	})
}

func (c *Controller) presignExpiry() time.Duration {
	if c.cfg.ObjectStore.PresignExpiry > 0 {
		return c.cfg.ObjectStore.PresignExpiry
	}
	return objectstore.DefaultPresignExpiry
}

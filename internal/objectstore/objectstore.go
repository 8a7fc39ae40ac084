// Package objectstore abstracts the durable artifact store behind a small
// interface so the controller and worker never import the AWS SDK directly.
package objectstore

import (
	"context"
	"io"
	"time"
)

// Store is the abstract object store surface used throughout the service.
// The concrete implementation is S3; tests use the in-memory double.
type Store interface {
	// PresignPut returns a URL the caller can PUT the object's bytes to
	// directly, valid for the store's configured expiry.
	PresignPut(ctx context.Context, key string) (string, error)
	// PresignGet returns a URL the caller can GET the object's bytes from,
	// valid for the store's configured expiry.
	PresignGet(ctx context.Context, key string) (string, error)
	// HeadObjectSize returns the size in bytes of an existing object.
	HeadObjectSize(ctx context.Context, key string) (int64, error)
	// PutFile uploads the contents of r to key.
	PutFile(ctx context.Context, key string, r io.Reader) error
	// GetFile downloads key to a local path.
	GetFile(ctx context.Context, key, destPath string) error
	// ObjectExists reports whether key is present.
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// BundleKey is the object key client-uploaded bundles live at.
func BundleKey(userID, manifestHash string) string {
	return "bundles/" + userID + "/" + manifestHash + ".zip"
}

// ResultKey is the object key a finished artifact lives at.
func ResultKey(userID, jobID, filename string) string {
	return "results/" + userID + "/" + jobID + "/" + filename
}

// DefaultPresignExpiry is used when configuration leaves it unset.
const DefaultPresignExpiry = 1 * time.Hour

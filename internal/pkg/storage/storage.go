package storage

import (
	"context"
	"io"
)

// Storage defines the minimal interface for artifact storage backends.
// Intentionally simple: put an object, delete it, get its public URL.
type Storage interface {
	// Put stores an object at the given key.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	// Get retrieves an object by key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object by key. Returns nil if it doesn't exist.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the public URL for an object given its key.
	GetURL(key string) string
}

// New selects a backend: R2 when credentials are configured, otherwise
// the local filesystem. The local backend is for development only.
func New(r2 R2Config, localPath, localBaseURL string) (Storage, error) {
	if r2.AccountID == "" || r2.AccessKeyID == "" || r2.AccessKeySecret == "" {
		return NewLocalStorage(localPath, localBaseURL)
	}
	return NewR2Storage(r2)
}

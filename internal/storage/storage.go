// Package storage provides object storage abstractions for snapshot
// archival. Implementations cover S3 (and S3-compatible endpoints) and the
// local filesystem for development and testing.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the archive target for ledger snapshots.
type ObjectStorage interface {
	// Upload copies a local file to objectPath in storage.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath from storage to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object from storage.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether objectPath is present in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

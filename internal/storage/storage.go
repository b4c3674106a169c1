// Package storage keeps uploaded reports until their job reaches a terminal
// state. Uploads live on local disk or in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UploadPrefix marks objects this package owns; Sweep only touches these.
const UploadPrefix = "upload_"

// ErrInvalidPath is returned for paths outside the store.
var ErrInvalidPath = errors.New("path is outside the upload store")

// Store saves, reads and deletes uploads.
type Store interface {
	// Save writes r under name and returns the stored path and byte count.
	Save(ctx context.Context, name string, r io.Reader) (string, int64, error)
	// Open reads a stored upload. Missing uploads wrap fs.ErrNotExist.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Remove deletes a stored upload. Removing a missing upload is not an error.
	Remove(ctx context.Context, path string) error
	// Sweep deletes uploads last modified more than olderThan ago.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// NewUploadName returns a collision-free name for an upload, keeping the
// extension of the client's filename.
func NewUploadName(original string) string {
	ext := ".pdf"
	if i := strings.LastIndex(original, "."); i >= 0 && i < len(original)-1 {
		ext = strings.ToLower(original[i:])
	}
	return UploadPrefix + uuid.NewString() + ext
}

// IsNotExist reports whether err means the upload does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func isStale(modTime time.Time, cutoff time.Time) bool {
	return modTime.Before(cutoff)
}

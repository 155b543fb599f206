// Package blob stores item payload bytes behind opaque storage keys.
//
// The vault index references payloads only by key, so the backing engine is
// swappable: memory (tests), local disk, or an S3-compatible bucket.
package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Store is the payload persistence contract.
type Store interface {
	// Put writes the full payload under key and returns the byte count.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get opens the payload for reading. Fails with errs.ErrNotFound when the
	// key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the payload. Removing an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Keys lists every stored key. Used by the startup reconciliation sweep.
	Keys(ctx context.Context) ([]string, error)
}

// NewKey returns a fresh storage key, date-prefixed so bucket listings stay
// navigable.
func NewKey(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return fmt.Sprintf("items/%04d/%02d/%02d/%s", now.Year(), now.Month(), now.Day(), uuid.New())
}

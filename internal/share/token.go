// Package share mints and redeems time-boxed share tokens.
//
// A token is an unguessable handle on one item. Redemption needs no
// authentication and bypasses both the item lock and retention expiry: the
// owner handing out the link is the authorization. Tokens are multi-use
// until their TTL elapses or the item disappears.
package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Token is one issued share handle.
type Token struct {
	// Value is the opaque handle embedded in share links.
	Value string

	Owner     string
	ItemID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenStore persists issued tokens. Implementations: MemoryTokenStore and
// PostgresTokenStore.
type TokenStore interface {
	// Insert records a token. Fails with errs.ErrConflict on a duplicate
	// value, which with 256-bit handles indicates a caller bug.
	Insert(ctx context.Context, t Token) error

	// Get fetches a token by value. Fails with errs.ErrNotFound.
	Get(ctx context.Context, value string) (Token, error)

	// Delete removes a token. Removing an absent token is a no-op.
	Delete(ctx context.Context, value string) error

	// DeleteExpired drops tokens whose ExpiresAt is at or before now and
	// returns how many went.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// newTokenValue returns a 256-bit URL-safe random handle.
func newTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

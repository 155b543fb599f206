// Package identity owns account records: the login key, password hash,
// account-wide lock, retention override, and roster visibility.
//
// Identities are never hard-deleted by request handlers; deletion is an
// administrative operation gated by the admin master key.
package identity

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Identity is a registered account/namespace owning items.
type Identity struct {
	// Username is the immutable login key and addressable namespace.
	Username string

	// PasswordHash is a PHC-encoded Argon2id hash (salt embedded).
	PasswordHash string

	// IsLocked gates browsing of the whole account until an account-scope
	// unlock grant is presented.
	IsLocked bool

	// FirstLogin forces a password rotation before normal use.
	FirstLogin bool

	// RetentionDays overrides the system retention default when non-nil.
	// A value of 0 means items never expire.
	RetentionDays *int

	// ShowInList controls visibility in the public roster.
	ShowInList bool

	CreatedAt time.Time
}

// UpdateInput patches administrative identity fields. Nil fields are left
// unchanged.
type UpdateInput struct {
	IsLocked       *bool
	FirstLogin     *bool
	RetentionDays  *int
	ClearRetention bool
	ShowInList     *bool
}

// Store is the identity persistence contract. Implementations: MemoryStore
// (tests, single-node dev) and PostgresStore.
type Store interface {
	// Create registers a new identity. Fails with errs.ErrConflict when the
	// username is taken. New identities start unlocked, visible, with
	// FirstLogin set.
	Create(ctx context.Context, username, password string) (Identity, error)

	// Get fetches an identity by username. Fails with errs.ErrNotFound.
	Get(ctx context.Context, username string) (Identity, error)

	// Verify authenticates username/password. It fails with
	// errs.ErrUnauthorized on mismatch and does not distinguish "no such
	// identity" from "wrong password"; a decoy hash is verified for unknown
	// usernames to keep timing uniform.
	Verify(ctx context.Context, username, password string) (Identity, error)

	// RotatePassword replaces the hash after verifying old, and clears
	// FirstLogin. Fails with errs.ErrUnauthorized when old does not verify.
	RotatePassword(ctx context.Context, username, oldPassword, newPassword string) error

	// ResetPassword replaces the hash without the old credential and sets
	// FirstLogin. Admin-only; callers must have passed the AdminGate.
	ResetPassword(ctx context.Context, username, newPassword string) error

	// SetAccountLock toggles the account-wide lock.
	SetAccountLock(ctx context.Context, username string, locked bool) error

	// Update patches administrative fields.
	Update(ctx context.Context, username string, in UpdateInput) error

	// ListPublic returns identities with ShowInList set, in account creation
	// order (stable, not alphabetic, so roster clients can diff cheaply).
	ListPublic(ctx context.Context) ([]Identity, error)

	// ListAll returns every identity in creation order. Admin-only.
	ListAll(ctx context.Context) ([]Identity, error)

	// Delete removes an identity. Admin-only. Fails with errs.ErrNotFound.
	Delete(ctx context.Context, username string) error
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// NormalizeUsername trims surrounding whitespace and lowercases the login key.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidUsername reports whether s is an acceptable login key.
func ValidUsername(s string) bool {
	return usernameRe.MatchString(s)
}

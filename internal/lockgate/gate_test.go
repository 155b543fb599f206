package lockgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stash/internal/errs"
	"stash/internal/identity"
)

func newTestGate(t *testing.T) (*Gate, *identity.MemoryStore) {
	t.Helper()

	idents, err := identity.NewMemoryStore()
	require.NoError(t, err)

	_, err = idents.Create(context.Background(), "alice", "hunter2hunter2")
	require.NoError(t, err)

	gate, err := New(idents, nil, Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:    15 * time.Minute,
	})
	require.NoError(t, err)
	return gate, idents
}

func TestAuthorizeAndVerify(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t)

	grant, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ScopeAccount)
	require.NoError(t, err)
	require.NotEmpty(t, grant)

	require.NoError(t, gate.Verify(ctx, grant, "alice", ScopeAccount))
}

func TestAuthorizeBadCredentials(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t)

	_, err := gate.Authorize(ctx, "alice", "wrong-password", ScopeAccount)
	require.True(t, errs.IsUnauthorized(err))

	_, err = gate.Authorize(ctx, "nobody", "wrong-password", ScopeAccount)
	require.True(t, errs.IsUnauthorized(err))
}

func TestGrantScopeSeparation(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t)

	account, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ScopeAccount)
	require.NoError(t, err)
	item1, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ItemScope("item-1"))
	require.NoError(t, err)

	// An account grant does not open item locks, and an item grant opens
	// only its own item.
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, account, "alice", ItemScope("item-1"))))
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, item1, "alice", ItemScope("item-2"))))
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, item1, "alice", ScopeAccount)))

	require.NoError(t, gate.Verify(ctx, item1, "alice", ItemScope("item-1")))
}

func TestGrantBoundToIdentity(t *testing.T) {
	ctx := context.Background()
	gate, idents := newTestGate(t)

	_, err := idents.Create(ctx, "bob", "hunter2hunter2")
	require.NoError(t, err)

	grant, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ScopeAccount)
	require.NoError(t, err)

	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, grant, "bob", ScopeAccount)))
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, grant, "nobody", ScopeAccount)))
}

func TestPasswordRotationInvalidatesGrants(t *testing.T) {
	ctx := context.Background()
	gate, idents := newTestGate(t)

	grant, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ScopeAccount)
	require.NoError(t, err)
	require.NoError(t, gate.Verify(ctx, grant, "alice", ScopeAccount))

	require.NoError(t, idents.RotatePassword(ctx, "alice", "hunter2hunter2", "replacement99"))

	// The old grant's signing key no longer derives.
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, grant, "alice", ScopeAccount)))

	// A grant issued under the new credential works.
	fresh, err := gate.Authorize(ctx, "alice", "replacement99", ScopeAccount)
	require.NoError(t, err)
	require.NoError(t, gate.Verify(ctx, fresh, "alice", ScopeAccount))
}

func TestAdminResetInvalidatesGrants(t *testing.T) {
	ctx := context.Background()
	gate, idents := newTestGate(t)

	grant, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ScopeAccount)
	require.NoError(t, err)

	require.NoError(t, idents.ResetPassword(ctx, "alice", "adminissued1"))
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, grant, "alice", ScopeAccount)))
}

func TestGrantExpires(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	gate.SetClock(func() time.Time { return now })

	grant, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ScopeAccount)
	require.NoError(t, err)
	require.NoError(t, gate.Verify(ctx, grant, "alice", ScopeAccount))

	now = base.Add(16 * time.Minute)
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, grant, "alice", ScopeAccount)))
}

func TestMangledGrantRejected(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t)

	grant, err := gate.Authorize(ctx, "alice", "hunter2hunter2", ScopeAccount)
	require.NoError(t, err)

	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, grant+"x", "alice", ScopeAccount)))
	require.True(t, errs.IsUnauthorized(gate.Verify(ctx, "", "alice", ScopeAccount)))
}

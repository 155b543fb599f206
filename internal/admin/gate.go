// Package admin gates the administrative surface behind the master key.
//
// There is no admin session: every administrative call presents the master
// key and every call re-verifies it. The configured key is folded through
// SHA-256 at startup so the comparison is constant time over fixed-length
// digests regardless of key length.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"

	"stash/internal/errs"
	"stash/internal/identity"
	"stash/internal/vault"
)

// Gate verifies the master key and performs administrative identity
// operations.
type Gate struct {
	idents identity.Store
	vaults *vault.Service
	log    *slog.Logger

	keyDigest [sha256.Size]byte
	enabled   bool
}

// New constructs a Gate. An empty master key disables the administrative
// surface entirely; every Verify then fails.
func New(idents identity.Store, vaults *vault.Service, log *slog.Logger, masterKey string) *Gate {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	g := &Gate{idents: idents, vaults: vaults, log: log}
	if masterKey != "" {
		g.keyDigest = sha256.Sum256([]byte(masterKey))
		g.enabled = true
	}
	return g
}

// Verify checks a presented master key. Fails with errs.ErrUnauthorized on
// mismatch or when the surface is disabled.
func (g *Gate) Verify(key string) error {
	const op = "admin.Verify"

	if !g.enabled {
		return errs.New(op, errs.ErrUnauthorized, "admin surface disabled")
	}
	digest := sha256.Sum256([]byte(key))
	if subtle.ConstantTimeCompare(digest[:], g.keyDigest[:]) != 1 {
		return errs.New(op, errs.ErrUnauthorized, "bad master key")
	}
	return nil
}

// ListIdentities returns every identity, including roster-hidden ones.
func (g *Gate) ListIdentities(ctx context.Context, key string) ([]identity.Identity, error) {
	if err := g.Verify(key); err != nil {
		return nil, err
	}
	return g.idents.ListAll(ctx)
}

// CreateIdentity provisions a new identity.
func (g *Gate) CreateIdentity(ctx context.Context, key, username, password string) (identity.Identity, error) {
	if err := g.Verify(key); err != nil {
		return identity.Identity{}, err
	}

	id, err := g.idents.Create(ctx, username, password)
	if err != nil {
		return identity.Identity{}, err
	}
	g.log.Info("admin.create.identity", "username", id.Username)
	return id, nil
}

// DeleteIdentity removes an identity and purges its vault: items, folders
// and payloads all go. The purge runs first: deleting the identity row
// cascades through the index on Postgres, and a cascade-emptied index can
// no longer say which payloads to release.
func (g *Gate) DeleteIdentity(ctx context.Context, key, username string) error {
	if err := g.Verify(key); err != nil {
		return err
	}

	if _, err := g.idents.Get(ctx, username); err != nil {
		return err
	}
	if err := g.vaults.PurgeIdentity(ctx, username); err != nil {
		return err
	}
	if err := g.idents.Delete(ctx, username); err != nil {
		return err
	}
	g.log.Info("admin.delete.identity", "username", username)
	return nil
}

// ResetPassword replaces an identity's credential without the old password
// and forces a rotation on next login.
func (g *Gate) ResetPassword(ctx context.Context, key, username, newPassword string) error {
	if err := g.Verify(key); err != nil {
		return err
	}

	if err := g.idents.ResetPassword(ctx, username, newPassword); err != nil {
		return err
	}
	g.log.Info("admin.reset.password", "username", username)
	return nil
}

// UpdateIdentity patches administrative identity fields: account lock,
// retention override, roster visibility, first-login flag.
func (g *Gate) UpdateIdentity(ctx context.Context, key, username string, in identity.UpdateInput) error {
	if err := g.Verify(key); err != nil {
		return err
	}

	if err := g.idents.Update(ctx, username, in); err != nil {
		return err
	}
	g.log.Info("admin.update.identity", "username", username)
	return nil
}

// Package lockgate issues and verifies unlock grants.
//
// A grant is a short-lived HS256 token proving the bearer re-entered the
// identity's password for a specific scope: the whole account, or one item.
// The signing key is derived from the server secret and the identity's
// current password hash, so rotating or resetting the password invalidates
// every outstanding grant without any revocation bookkeeping.
package lockgate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stash/internal/errs"
	"stash/internal/identity"
)

// ScopeAccount unlocks browsing of a locked account.
const ScopeAccount = "account"

// ItemScope returns the scope string for one item's lock.
func ItemScope(itemID string) string { return "item:" + itemID }

// Config bounds the gate.
type Config struct {
	// Secret is the server-wide grant signing secret.
	Secret []byte

	// TTL caps grant lifetime (default 15m).
	TTL time.Duration
}

// Gate authenticates unlock requests and validates grants.
type Gate struct {
	idents identity.Store
	log    *slog.Logger
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

type grantClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// New constructs a Gate.
func New(idents identity.Store, log *slog.Logger, cfg Config) (*Gate, error) {
	if len(cfg.Secret) == 0 {
		return nil, errs.New("lockgate.New", errs.ErrInvalidRequest, "empty grant secret")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Gate{
		idents: idents,
		log:    log,
		secret: cfg.Secret,
		ttl:    ttl,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the gate clock. Test hook.
func (g *Gate) SetClock(now func() time.Time) { g.nowFn = now }

// signingKey binds the grant key to the identity's current credential.
func (g *Gate) signingKey(passwordHash string) []byte {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(passwordHash))
	return mac.Sum(nil)
}

// Authorize verifies the identity's password and returns a grant for scope.
// Wrong credentials fail with errs.ErrUnauthorized on uniform timing, the
// same as an unknown username.
func (g *Gate) Authorize(ctx context.Context, username, password, scope string) (string, error) {
	const op = "lockgate.Authorize"

	if scope == "" {
		return "", errs.New(op, errs.ErrInvalidRequest, "empty scope")
	}

	id, err := g.idents.Verify(ctx, username, password)
	if err != nil {
		return "", err
	}

	now := g.nowFn()
	claims := grantClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}

	grant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString(g.signingKey(id.PasswordHash))
	if err != nil {
		return "", err
	}

	g.log.Info("lockgate.grant", "username", id.Username, "scope", scope)
	return grant, nil
}

// Verify checks that grant authorizes scope for username. Scopes match
// exactly: an account grant does not open item locks and vice versa. A grant
// signed before a password rotation fails verification because the signing
// key no longer derives.
func (g *Gate) Verify(ctx context.Context, grant, username, scope string) error {
	const op = "lockgate.Verify"

	id, err := g.idents.Get(ctx, username)
	if err != nil {
		if errs.IsNotFound(err) {
			return errs.New(op, errs.ErrUnauthorized, "invalid grant")
		}
		return err
	}

	claims := &grantClaims{}
	_, err = jwt.ParseWithClaims(grant, claims,
		func(*jwt.Token) (any, error) { return g.signingKey(id.PasswordHash), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.nowFn),
	)
	if err != nil {
		return errs.New(op, errs.ErrUnauthorized, "invalid grant")
	}
	if claims.Subject != id.Username || claims.Scope != scope {
		return errs.New(op, errs.ErrUnauthorized, "invalid grant")
	}
	return nil
}

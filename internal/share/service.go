package share

import (
	"context"
	"io"
	"log/slog"
	"time"

	"stash/internal/errs"
	"stash/internal/vault"
)

// Config bounds the Service.
type Config struct {
	// TTL caps token lifetime (default 24h).
	TTL time.Duration

	// SweepInterval paces the expired-token sweeper (default 1h).
	SweepInterval time.Duration
}

// Service issues and redeems share tokens.
type Service struct {
	tokens TokenStore
	vaults *vault.Service
	log    *slog.Logger
	ttl    time.Duration
	sweep  time.Duration
	nowFn  func() time.Time
}

// NewService wires the Service.
func NewService(tokens TokenStore, vaults *vault.Service, log *slog.Logger, cfg Config) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Hour
	}
	return &Service{
		tokens: tokens,
		vaults: vaults,
		log:    log,
		ttl:    ttl,
		sweep:  sweep,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.nowFn = now }

// Issue mints a token for one of owner's items. Issuance is an owner action
// so the handler authenticates before calling; the item must exist.
func (s *Service) Issue(ctx context.Context, owner, itemID string) (Token, error) {
	if _, err := s.vaults.GetItem(ctx, owner, itemID); err != nil {
		return Token{}, err
	}

	value, err := newTokenValue()
	if err != nil {
		return Token{}, err
	}

	now := s.nowFn()
	t := Token{
		Value:     value,
		Owner:     owner,
		ItemID:    itemID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.tokens.Insert(ctx, t); err != nil {
		return Token{}, err
	}

	s.log.Info("share.issue", "owner", owner, "item", itemID)
	return t, nil
}

// Resolve validates a token and returns the shared item's metadata, without
// opening the payload. Past-TTL tokens fail with errs.ErrExpired; a token
// whose item was deleted fails with errs.ErrNotFound.
func (s *Service) Resolve(ctx context.Context, value string) (vault.ItemView, error) {
	const op = "share.Resolve"

	t, err := s.tokens.Get(ctx, value)
	if err != nil {
		return vault.ItemView{}, err
	}
	if !t.ExpiresAt.After(s.nowFn()) {
		return vault.ItemView{}, errs.New(op, errs.ErrExpired, "token expired")
	}

	view, err := s.vaults.GetItem(ctx, t.Owner, t.ItemID)
	if err != nil {
		return vault.ItemView{}, err
	}
	return view, nil
}

// Redeem validates a token and opens the shared item's payload. Redemption
// bypasses the item lock and retention expiry; tokens stay redeemable any
// number of times within their TTL.
func (s *Service) Redeem(ctx context.Context, value string) (vault.Item, io.ReadCloser, error) {
	view, err := s.Resolve(ctx, value)
	if err != nil {
		return vault.Item{}, nil, err
	}
	return s.vaults.OpenPayload(ctx, view.Owner, view.ID, true)
}

// Owner reports who issued a token, regardless of its TTL. Revocation needs
// the owner for its grant check even once the token has expired.
func (s *Service) Owner(ctx context.Context, value string) (string, error) {
	t, err := s.tokens.Get(ctx, value)
	if err != nil {
		return "", err
	}
	return t.Owner, nil
}

// Revoke withdraws a token before its TTL. Revoking an absent token is a
// no-op success.
func (s *Service) Revoke(ctx context.Context, value string) error {
	return s.tokens.Delete(ctx, value)
}

// RunSweeper drops expired tokens on a ticker until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	t := time.NewTicker(s.sweep)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.tokens.DeleteExpired(ctx, s.nowFn())
			if err != nil {
				s.log.Warn("share.sweep", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("share.sweep", "removed", n)
			}
		}
	}
}

package identity

import (
	"context"
	"sync"
	"time"

	"stash/internal/errs"
)

// MemoryStore is an in-process Store used by tests and single-node dev mode.
// Accounts are held in a map plus an insertion-ordered slice so ListPublic
// returns creation order without a sort.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]*Identity
	order []string

	params Argon2idParams
	nowFn  func() time.Time

	// decoyHash is verified for unknown usernames so Verify takes the same
	// time whether or not the account exists.
	decoyHash string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() (*MemoryStore, error) {
	params := DefaultArgon2idParams()
	decoy, err := HashPassword("stash-decoy-credential", params)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		byKey:     make(map[string]*Identity),
		params:    params,
		nowFn:     func() time.Time { return time.Now().UTC() },
		decoyHash: decoy,
	}, nil
}

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.nowFn = now }

func (s *MemoryStore) Create(ctx context.Context, username, password string) (Identity, error) {
	const op = "identity.Create"
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	username = NormalizeUsername(username)
	if !ValidUsername(username) {
		return Identity{}, errs.New(op, errs.ErrInvalidRequest, "invalid username")
	}

	hash, err := HashPassword(password, s.params)
	if err != nil {
		return Identity{}, errs.New(op, errs.ErrInvalidRequest, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[username]; ok {
		return Identity{}, errs.New(op, errs.ErrConflict, "username taken")
	}

	id := Identity{
		Username:     username,
		PasswordHash: hash,
		FirstLogin:   true,
		ShowInList:   true,
		CreatedAt:    s.nowFn(),
	}
	s.byKey[username] = &id
	s.order = append(s.order, username)

	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, username string) (Identity, error) {
	const op = "identity.Get"
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[NormalizeUsername(username)]
	if !ok {
		return Identity{}, errs.New(op, errs.ErrNotFound, "identity")
	}
	return *id, nil
}

func (s *MemoryStore) Verify(ctx context.Context, username, password string) (Identity, error) {
	const op = "identity.Verify"
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	s.mu.RLock()
	id, ok := s.byKey[NormalizeUsername(username)]
	var snapshot Identity
	if ok {
		snapshot = *id
	}
	s.mu.RUnlock()

	if !ok {
		// Burn the same argon2 work as a real verification.
		_, _ = VerifyPassword(password, s.decoyHash)
		return Identity{}, errs.New(op, errs.ErrUnauthorized, "bad credentials")
	}

	match, err := VerifyPassword(password, snapshot.PasswordHash)
	if err != nil || !match {
		return Identity{}, errs.New(op, errs.ErrUnauthorized, "bad credentials")
	}
	return snapshot, nil
}

func (s *MemoryStore) RotatePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	const op = "identity.RotatePassword"
	if _, err := s.Verify(ctx, username, oldPassword); err != nil {
		return errs.New(op, errs.ErrUnauthorized, "bad credentials")
	}

	hash, err := HashPassword(newPassword, s.params)
	if err != nil {
		return errs.New(op, errs.ErrInvalidRequest, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[NormalizeUsername(username)]
	if !ok {
		return errs.New(op, errs.ErrUnauthorized, "bad credentials")
	}
	id.PasswordHash = hash
	id.FirstLogin = false
	return nil
}

func (s *MemoryStore) ResetPassword(ctx context.Context, username, newPassword string) error {
	const op = "identity.ResetPassword"
	if err := ctx.Err(); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword, s.params)
	if err != nil {
		return errs.New(op, errs.ErrInvalidRequest, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[NormalizeUsername(username)]
	if !ok {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	id.PasswordHash = hash
	id.FirstLogin = true
	return nil
}

func (s *MemoryStore) SetAccountLock(ctx context.Context, username string, locked bool) error {
	const op = "identity.SetAccountLock"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[NormalizeUsername(username)]
	if !ok {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	id.IsLocked = locked
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, username string, in UpdateInput) error {
	const op = "identity.Update"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.RetentionDays != nil && *in.RetentionDays < 0 {
		return errs.New(op, errs.ErrInvalidRequest, "negative retention")
	}

	id, ok := s.byKey[NormalizeUsername(username)]
	if !ok {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	if in.IsLocked != nil {
		id.IsLocked = *in.IsLocked
	}
	if in.FirstLogin != nil {
		id.FirstLogin = *in.FirstLogin
	}
	if in.ClearRetention {
		id.RetentionDays = nil
	} else if in.RetentionDays != nil {
		d := *in.RetentionDays
		id.RetentionDays = &d
	}
	if in.ShowInList != nil {
		id.ShowInList = *in.ShowInList
	}
	return nil
}

func (s *MemoryStore) ListPublic(ctx context.Context) ([]Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Identity, 0, len(s.order))
	for _, key := range s.order {
		if id := s.byKey[key]; id != nil && id.ShowInList {
			out = append(out, *id)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Identity, 0, len(s.order))
	for _, key := range s.order {
		if id := s.byKey[key]; id != nil {
			out = append(out, *id)
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, username string) error {
	const op = "identity.Delete"
	if err := ctx.Err(); err != nil {
		return err
	}

	username = NormalizeUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[username]; !ok {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	delete(s.byKey, username)
	for i, key := range s.order {
		if key == username {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

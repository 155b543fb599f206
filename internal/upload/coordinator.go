// Package upload coordinates resumable chunked uploads.
//
// A client opens a session declaring the total size, streams chunks at
// arbitrary offsets in any order, then finalizes. Chunks land in a staging
// file via positional writes, so re-sending a chunk is idempotent and chunk
// order never changes the assembled bytes. Finalize moves the assembled
// payload into the blob store and registers the item; sessions idle past
// their TTL are swept away with their staging files.
//
// Sessions live in process memory. A restart drops them, which is
// acceptable for an ephemeral store; leftover staging files are wiped when
// the coordinator starts.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stash/internal/errs"
	"stash/internal/ids"
	"stash/internal/vault"
)

// Config bounds the Coordinator.
type Config struct {
	// Dir is the staging directory for in-flight sessions.
	Dir string

	// MaxBytes caps a declared upload size; 0 means unlimited.
	MaxBytes int64

	// IdleTTL is how long a session may go without a chunk before the
	// sweeper abandons it (default 1h).
	IdleTTL time.Duration

	// SweepInterval paces the abandonment sweeper (default 5m).
	SweepInterval time.Duration
}

// SessionInfo is the client-visible state of one session.
type SessionInfo struct {
	ID       string
	Owner    string
	Name     string
	FolderID string

	// Total is the declared payload size.
	Total int64

	// Received counts distinct bytes that have arrived.
	Received int64

	// Offset is the next contiguous write position for resuming clients.
	Offset int64

	// Complete is set once every byte of [0, Total) has arrived.
	Complete bool

	UpdatedAt time.Time
}

type session struct {
	mu sync.Mutex

	info   SessionInfo
	ranges rangeSet
	file   *os.File
	path   string

	// finalized blocks further writes once the payload has been handed to
	// the vault.
	finalized bool
}

// Coordinator owns the open sessions of all identities.
type Coordinator struct {
	vaults *vault.Service
	log    *slog.Logger
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*session

	nowFn func() time.Time
}

// NewCoordinator constructs a Coordinator and clears any staging files a
// previous process left behind.
func NewCoordinator(vaults *vault.Service, log *slog.Logger, cfg Config) (*Coordinator, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("upload: empty staging dir")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "stage-") {
			_ = os.Remove(filepath.Join(cfg.Dir, e.Name()))
		}
	}

	return &Coordinator{
		vaults:   vaults,
		log:      log,
		cfg:      cfg,
		sessions: make(map[string]*session),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the coordinator clock. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) { c.nowFn = now }

// Open starts a session for a payload of total bytes. A declared size over
// the cap is refused up front with errs.ErrResourceExceeded so the client
// never streams a byte of a doomed upload.
func (c *Coordinator) Open(ctx context.Context, owner, name, folderID string, total int64) (SessionInfo, error) {
	const op = "upload.Open"

	if total < 0 {
		return SessionInfo{}, errs.New(op, errs.ErrInvalidRequest, "negative size")
	}
	if c.cfg.MaxBytes > 0 && total > c.cfg.MaxBytes {
		return SessionInfo{}, errs.New(op, errs.ErrResourceExceeded, "declared size over cap")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return SessionInfo{}, errs.New(op, errs.ErrInvalidRequest, "empty file name")
	}

	now := c.nowFn()
	id, err := ids.NewULID(now)
	if err != nil {
		return SessionInfo{}, err
	}

	path := filepath.Join(c.cfg.Dir, "stage-"+id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return SessionInfo{}, err
	}

	s := &session{
		info: SessionInfo{
			ID:        id,
			Owner:     owner,
			Name:      name,
			FolderID:  folderID,
			Total:     total,
			Complete:  total == 0,
			UpdatedAt: now,
		},
		file: f,
		path: path,
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()

	c.log.Info("upload.open", "owner", owner, "session", id, "bytes", total)
	return s.info, nil
}

func (c *Coordinator) get(owner, sessionID string) (*session, error) {
	const op = "upload.get"

	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()

	if !ok || s.info.Owner != owner {
		return nil, errs.New(op, errs.ErrNotFound, "session")
	}
	return s, nil
}

// Put writes a chunk at offset. Chunks may arrive out of order and may be
// re-sent; a repeated chunk rewrites the same bytes and changes nothing.
// Writing past the declared total fails with errs.ErrResourceExceeded.
func (c *Coordinator) Put(ctx context.Context, owner, sessionID string, offset int64, r io.Reader) (SessionInfo, error) {
	const op = "upload.Put"

	s, err := c.get(owner, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return SessionInfo{}, errs.New(op, errs.ErrNotFound, "session")
	}
	if offset < 0 || offset > s.info.Total {
		return SessionInfo{}, errs.New(op, errs.ErrInvalidRequest, "offset out of bounds")
	}

	limit := s.info.Total - offset
	n, err := io.Copy(io.NewOffsetWriter(s.file, offset), io.LimitReader(r, limit))
	if err != nil {
		return SessionInfo{}, err
	}
	// Anything still unread means the chunk ran past the declared size.
	if extra, _ := io.Copy(io.Discard, io.LimitReader(r, 1)); extra > 0 {
		return SessionInfo{}, errs.New(op, errs.ErrResourceExceeded, "chunk past declared size")
	}

	s.ranges.add(offset, offset+n)
	s.info.Received = s.ranges.bytes()
	s.info.Offset = s.ranges.contiguous()
	s.info.Complete = s.ranges.covered(s.info.Total)
	s.info.UpdatedAt = c.nowFn()

	return s.info, nil
}

// Info reports a session's progress, for resume probes.
func (c *Coordinator) Info(ctx context.Context, owner, sessionID string) (SessionInfo, error) {
	s, err := c.get(owner, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return SessionInfo{}, errs.New("upload.Info", errs.ErrNotFound, "session")
	}
	return s.info, nil
}

// Finalize assembles the session into a stored item. Every byte of the
// declared size must have arrived; otherwise the session stays open and the
// call fails with errs.ErrInvalidRequest.
func (c *Coordinator) Finalize(ctx context.Context, owner, sessionID string) (vault.Item, error) {
	const op = "upload.Finalize"

	s, err := c.get(owner, sessionID)
	if err != nil {
		return vault.Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return vault.Item{}, errs.New(op, errs.ErrNotFound, "session")
	}
	if !s.ranges.covered(s.info.Total) {
		return vault.Item{}, errs.New(op, errs.ErrInvalidRequest, "upload incomplete")
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return vault.Item{}, err
	}

	it, err := c.vaults.PutFile(ctx, owner, s.info.Name, s.info.FolderID,
		io.LimitReader(s.file, s.info.Total))
	if err != nil {
		return vault.Item{}, err
	}

	s.finalized = true
	c.drop(s)

	c.log.Info("upload.finalize", "owner", owner, "session", sessionID, "item", it.ID)
	return it, nil
}

// Abort discards a session and its staging file. Aborting an unknown
// session fails with errs.ErrNotFound.
func (c *Coordinator) Abort(ctx context.Context, owner, sessionID string) error {
	s, err := c.get(owner, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()

	c.drop(s)
	c.log.Info("upload.abort", "owner", owner, "session", sessionID)
	return nil
}

// drop removes the session from the table and releases its staging file.
func (c *Coordinator) drop(s *session) {
	c.mu.Lock()
	delete(c.sessions, s.info.ID)
	c.mu.Unlock()

	_ = s.file.Close()
	_ = os.Remove(s.path)
}

// SweepAbandoned abandons sessions idle past the TTL and returns how many
// went. A chunk sent for a swept session later fails with errs.ErrNotFound.
func (c *Coordinator) SweepAbandoned(ctx context.Context) int {
	cutoff := c.nowFn().Add(-c.cfg.IdleTTL)

	c.mu.Lock()
	var stale []*session
	for _, s := range c.sessions {
		s.mu.Lock()
		if s.info.UpdatedAt.Before(cutoff) && !s.finalized {
			s.finalized = true
			stale = append(stale, s)
		}
		s.mu.Unlock()
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.drop(s)
		c.log.Info("upload.sweep", "owner", s.info.Owner, "session", s.info.ID)
	}
	return len(stale)
}

// RunSweeper runs SweepAbandoned on a ticker until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.SweepAbandoned(ctx)
		}
	}
}

// OpenSessions reports the in-flight session count, for metrics.
func (c *Coordinator) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

package vault

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"stash/internal/blob"
	"stash/internal/errs"
	"stash/internal/identity"
	"stash/internal/ids"
	"stash/internal/notify"
)

// Config bounds the Service.
type Config struct {
	// DefaultRetentionDays applies to identities without an override.
	DefaultRetentionDays int

	// MaxItemBytes caps a single payload; 0 means unlimited.
	MaxItemBytes int64

	// MaxNoteChars caps note text length; 0 means unlimited.
	MaxNoteChars int
}

// Service implements the vault operations: item and folder lifecycle,
// retention, and the ordering invariant between index and blob store.
//
// Mutations on one identity are serialized through a keyed mutex; reads run
// concurrently and may observe an in-flight mutation's before or after state
// but never a torn one.
type Service struct {
	idx    Index
	blobs  blob.Store
	idents identity.Store
	bus    *notify.Bus
	log    *slog.Logger
	cfg    Config

	locks *keyedMutex
	nowFn func() time.Time
}

// NewService wires the Service. bus may be nil when change cues are not
// needed (tests, one-shot tools).
func NewService(idx Index, blobs blob.Store, idents identity.Store, bus *notify.Bus, log *slog.Logger, cfg Config) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.DefaultRetentionDays < 0 {
		cfg.DefaultRetentionDays = 0
	}
	return &Service{
		idx:    idx,
		blobs:  blobs,
		idents: idents,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.nowFn = now }

func (s *Service) publish(owner string) {
	if s.bus != nil {
		s.bus.Publish(owner)
	}
}

// retentionFor resolves the retention window for one identity.
func (s *Service) retentionFor(id identity.Identity) int {
	if id.RetentionDays != nil {
		return *id.RetentionDays
	}
	return s.cfg.DefaultRetentionDays
}

// PutFile stores a file payload and registers it in the index. The payload
// is written first; a failed index insert releases it again, so the index
// never points at bytes that were not persisted.
func (s *Service) PutFile(ctx context.Context, owner, name, folderID string, r io.Reader) (Item, error) {
	const op = "vault.PutFile"

	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Item{}, err
	}
	owner = id.Username

	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return Item{}, errs.New(op, errs.ErrInvalidRequest, "empty file name")
	}

	unlock := s.locks.lock(owner)
	defer unlock()

	if folderID != "" {
		if _, err := s.idx.GetFolder(ctx, owner, folderID); err != nil {
			return Item{}, err
		}
	}

	name, err = s.uniqueItemName(ctx, owner, folderID, name)
	if err != nil {
		return Item{}, err
	}

	now := s.nowFn()
	key := blob.NewKey(now)

	src := r
	if s.cfg.MaxItemBytes > 0 {
		src = io.LimitReader(r, s.cfg.MaxItemBytes+1)
	}
	size, err := s.blobs.Put(ctx, key, src)
	if err != nil {
		return Item{}, err
	}
	if s.cfg.MaxItemBytes > 0 && size > s.cfg.MaxItemBytes {
		_ = s.blobs.Delete(ctx, key)
		return Item{}, errs.New(op, errs.ErrResourceExceeded, "payload too large")
	}

	itemID, err := ids.NewULID(now)
	if err != nil {
		return Item{}, err
	}

	it := Item{
		ID:        itemID,
		Owner:     owner,
		Kind:      KindFile,
		Name:      name,
		FolderID:  folderID,
		SizeBytes: size,
		BlobKey:   key,
		CreatedAt: now,
	}
	if err := s.idx.InsertItem(ctx, it); err != nil {
		_ = s.blobs.Delete(ctx, key)
		return Item{}, err
	}

	s.log.Info("vault.put.file", "owner", owner, "item", itemID, "bytes", size)
	s.publish(owner)
	return it, nil
}

// PutNote stores a URL or text note. The note body doubles as the display
// name unless a label is given.
func (s *Service) PutNote(ctx context.Context, owner, label, text, folderID string) (Item, error) {
	const op = "vault.PutNote"

	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Item{}, err
	}
	owner = id.Username

	text = strings.TrimSpace(text)
	if text == "" {
		return Item{}, errs.New(op, errs.ErrInvalidRequest, "empty note")
	}
	if s.cfg.MaxNoteChars > 0 && len(text) > s.cfg.MaxNoteChars {
		return Item{}, errs.New(op, errs.ErrResourceExceeded, "note too long")
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = text
	}

	unlock := s.locks.lock(owner)
	defer unlock()

	if folderID != "" {
		if _, err := s.idx.GetFolder(ctx, owner, folderID); err != nil {
			return Item{}, err
		}
	}

	now := s.nowFn()
	itemID, err := ids.NewULID(now)
	if err != nil {
		return Item{}, err
	}

	it := Item{
		ID:        itemID,
		Owner:     owner,
		Kind:      KindNote,
		Name:      label,
		Note:      text,
		FolderID:  folderID,
		CreatedAt: now,
	}
	if err := s.idx.InsertItem(ctx, it); err != nil {
		return Item{}, err
	}

	s.log.Info("vault.put.note", "owner", owner, "item", itemID)
	s.publish(owner)
	return it, nil
}

// ListOptions shapes a directory listing.
type ListOptions struct {
	// IncludeLocked keeps locked items and locked folder subtrees in the
	// listing. Callers set it only after an unlock grant was verified.
	IncludeLocked bool
}

// Listing is one identity's visible directory state.
type Listing struct {
	Items   []ItemView
	Folders []Folder
}

// List returns an identity's items in creation order plus its folders,
// with retention fields derived against the current clock. Without
// IncludeLocked, locked items and everything under a locked folder are
// omitted entirely rather than marked.
func (s *Service) List(ctx context.Context, owner string, opts ListOptions) (Listing, error) {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Listing{}, err
	}
	owner = id.Username

	items, err := s.idx.ListItems(ctx, owner)
	if err != nil {
		return Listing{}, err
	}
	folders, err := s.idx.ListFolders(ctx, owner)
	if err != nil {
		return Listing{}, err
	}

	hidden := map[string]bool{}
	if !opts.IncludeLocked {
		hidden = lockedSubtrees(folders)
	}

	retention := s.retentionFor(id)
	now := s.nowFn()

	out := Listing{Items: make([]ItemView, 0, len(items))}
	for _, it := range items {
		if !opts.IncludeLocked && (it.IsLocked || hidden[it.FolderID]) {
			continue
		}
		rem := RemainingAt(now, it.CreatedAt, retention)
		out.Items = append(out.Items, ItemView{
			Item:           it,
			RemainingDays:  rem.Days,
			RemainingHours: rem.Hours,
			Expired:        rem.Expired,
		})
	}
	for _, f := range folders {
		if !opts.IncludeLocked && hidden[f.ID] {
			continue
		}
		out.Folders = append(out.Folders, f)
	}
	return out, nil
}

// lockedSubtrees returns the ids of every locked folder and every folder
// beneath one.
func lockedSubtrees(folders []Folder) map[string]bool {
	children := make(map[string][]string, len(folders))
	hidden := make(map[string]bool)

	var roots []string
	for _, f := range folders {
		children[f.ParentID] = append(children[f.ParentID], f.ID)
		if f.IsLocked {
			roots = append(roots, f.ID)
		}
	}

	stack := roots
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if hidden[id] {
			continue
		}
		hidden[id] = true
		stack = append(stack, children[id]...)
	}
	return hidden
}

// GetItem fetches one item's metadata with derived retention.
func (s *Service) GetItem(ctx context.Context, owner, itemID string) (ItemView, error) {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return ItemView{}, err
	}

	it, err := s.idx.GetItem(ctx, id.Username, itemID)
	if err != nil {
		return ItemView{}, err
	}

	rem := RemainingAt(s.nowFn(), it.CreatedAt, s.retentionFor(id))
	return ItemView{
		Item:           it,
		RemainingDays:  rem.Days,
		RemainingHours: rem.Hours,
		Expired:        rem.Expired,
	}, nil
}

// OpenPayload opens an item's payload for reading. asOwner marks requests
// authenticated as the item's owner; everyone else is refused expired items
// with errs.ErrExpired while the metadata stays listable until the sweep.
// Lock enforcement happens above this layer, against an unlock grant.
func (s *Service) OpenPayload(ctx context.Context, owner, itemID string, asOwner bool) (Item, io.ReadCloser, error) {
	const op = "vault.OpenPayload"

	view, err := s.GetItem(ctx, owner, itemID)
	if err != nil {
		return Item{}, nil, err
	}
	if view.Expired && !asOwner {
		return Item{}, nil, errs.New(op, errs.ErrExpired, "item expired")
	}

	switch view.Kind {
	case KindNote:
		return view.Item, io.NopCloser(strings.NewReader(view.Note)), nil
	case KindFile:
		rc, err := s.blobs.Get(ctx, view.BlobKey)
		if err != nil {
			return Item{}, nil, err
		}
		return view.Item, rc, nil
	default:
		return Item{}, nil, fmt.Errorf("%s: unknown kind %q", op, view.Kind)
	}
}

// DeleteItem removes an item. The index row goes first so the index can
// never reference a released payload; the payload delete is best effort and
// the orphan sweep picks up anything left behind.
func (s *Service) DeleteItem(ctx context.Context, owner, itemID string) error {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	it, err := s.idx.DeleteItem(ctx, owner, itemID)
	if err != nil {
		return err
	}
	if it.Kind == KindFile && it.BlobKey != "" {
		if derr := s.blobs.Delete(ctx, it.BlobKey); derr != nil {
			s.log.Warn("vault.delete.blob", "owner", owner, "item", itemID, "err", derr)
		}
	}

	s.log.Info("vault.delete.item", "owner", owner, "item", itemID)
	s.publish(owner)
	return nil
}

// BatchResult reports how a batch operation landed.
type BatchResult struct {
	// Affected counts items the operation changed.
	Affected int

	// SkippedLocked counts items left alone because they were locked.
	SkippedLocked int

	// Missing counts requested IDs with no item behind them.
	Missing int
}

// DeleteItems removes a set of items, skipping locked ones instead of
// failing the batch. Unknown IDs are counted, not errors.
func (s *Service) DeleteItems(ctx context.Context, owner string, itemIDs []string) (BatchResult, error) {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return BatchResult{}, err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	var res BatchResult
	for _, itemID := range itemIDs {
		it, err := s.idx.GetItem(ctx, owner, itemID)
		if err != nil {
			if errs.IsNotFound(err) {
				res.Missing++
				continue
			}
			return res, err
		}
		if it.IsLocked {
			res.SkippedLocked++
			continue
		}

		removed, err := s.idx.DeleteItem(ctx, owner, itemID)
		if err != nil {
			if errs.IsNotFound(err) {
				res.Missing++
				continue
			}
			return res, err
		}
		if removed.Kind == KindFile && removed.BlobKey != "" {
			if derr := s.blobs.Delete(ctx, removed.BlobKey); derr != nil {
				s.log.Warn("vault.delete.blob", "owner", owner, "item", itemID, "err", derr)
			}
		}
		res.Affected++
	}

	if res.Affected > 0 {
		s.log.Info("vault.delete.batch", "owner", owner, "deleted", res.Affected, "skipped", res.SkippedLocked)
		s.publish(owner)
	}
	return res, nil
}

// SetItemsLock toggles the lock on a set of items. Items already in the
// requested state are left untouched. Unknown IDs are counted, not errors.
func (s *Service) SetItemsLock(ctx context.Context, owner string, itemIDs []string, locked bool) (BatchResult, error) {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return BatchResult{}, err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	var res BatchResult
	for _, itemID := range itemIDs {
		it, err := s.idx.GetItem(ctx, owner, itemID)
		if err != nil {
			if errs.IsNotFound(err) {
				res.Missing++
				continue
			}
			return res, err
		}
		if it.IsLocked == locked {
			continue
		}
		if err := s.idx.UpdateItem(ctx, owner, itemID, ItemPatch{IsLocked: &locked}); err != nil {
			return res, err
		}
		res.Affected++
	}

	if res.Affected > 0 {
		s.publish(owner)
	}
	return res, nil
}

// RenameItem renames an item, suffixing on collision within its folder.
func (s *Service) RenameItem(ctx context.Context, owner, itemID, newName string) (Item, error) {
	const op = "vault.RenameItem"

	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Item{}, err
	}
	owner = id.Username

	newName = path.Base(strings.TrimSpace(newName))
	if newName == "" || newName == "." || newName == "/" {
		return Item{}, errs.New(op, errs.ErrInvalidRequest, "empty name")
	}

	unlock := s.locks.lock(owner)
	defer unlock()

	it, err := s.idx.GetItem(ctx, owner, itemID)
	if err != nil {
		return Item{}, err
	}
	if it.Name == newName {
		return it, nil
	}

	newName, err = s.uniqueItemName(ctx, owner, it.FolderID, newName)
	if err != nil {
		return Item{}, err
	}
	if err := s.idx.UpdateItem(ctx, owner, itemID, ItemPatch{Name: &newName}); err != nil {
		return Item{}, err
	}

	it.Name = newName
	s.publish(owner)
	return it, nil
}

// MoveItem relocates an item to another folder (empty folderID = root),
// suffixing the name on collision in the destination.
func (s *Service) MoveItem(ctx context.Context, owner, itemID, folderID string) (Item, error) {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Item{}, err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	it, err := s.idx.GetItem(ctx, owner, itemID)
	if err != nil {
		return Item{}, err
	}
	if folderID != "" {
		if _, err := s.idx.GetFolder(ctx, owner, folderID); err != nil {
			return Item{}, err
		}
	}
	if it.FolderID == folderID {
		return it, nil
	}

	name, err := s.uniqueItemName(ctx, owner, folderID, it.Name)
	if err != nil {
		return Item{}, err
	}
	patch := ItemPatch{FolderID: &folderID}
	if name != it.Name {
		patch.Name = &name
	}
	if err := s.idx.UpdateItem(ctx, owner, itemID, patch); err != nil {
		return Item{}, err
	}

	it.FolderID = folderID
	it.Name = name
	s.publish(owner)
	return it, nil
}

// SetItemLock toggles the per-item lock. Toggling to the current state is a
// no-op success.
func (s *Service) SetItemLock(ctx context.Context, owner, itemID string, locked bool) error {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	it, err := s.idx.GetItem(ctx, owner, itemID)
	if err != nil {
		return err
	}
	if it.IsLocked == locked {
		return nil
	}
	if err := s.idx.UpdateItem(ctx, owner, itemID, ItemPatch{IsLocked: &locked}); err != nil {
		return err
	}

	s.publish(owner)
	return nil
}

// CreateFolder adds a folder under parentID (empty = root). Duplicate names
// under one parent are refused with errs.ErrConflict.
func (s *Service) CreateFolder(ctx context.Context, owner, name, parentID string) (Folder, error) {
	const op = "vault.CreateFolder"

	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Folder{}, err
	}
	owner = id.Username

	name = strings.TrimSpace(name)
	if name == "" {
		return Folder{}, errs.New(op, errs.ErrInvalidRequest, "empty folder name")
	}

	unlock := s.locks.lock(owner)
	defer unlock()

	if parentID != "" {
		if _, err := s.idx.GetFolder(ctx, owner, parentID); err != nil {
			return Folder{}, err
		}
	}
	if err := s.folderNameFree(ctx, owner, parentID, name, ""); err != nil {
		return Folder{}, err
	}

	folderID, err := ids.NewULID(s.nowFn())
	if err != nil {
		return Folder{}, err
	}
	f := Folder{ID: folderID, Owner: owner, Name: name, ParentID: parentID}
	if err := s.idx.InsertFolder(ctx, f); err != nil {
		return Folder{}, err
	}

	s.log.Info("vault.create.folder", "owner", owner, "folder", folderID)
	s.publish(owner)
	return f, nil
}

// RenameFolder renames a folder; duplicate names under the same parent are
// refused with errs.ErrConflict.
func (s *Service) RenameFolder(ctx context.Context, owner, folderID, newName string) (Folder, error) {
	const op = "vault.RenameFolder"

	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Folder{}, err
	}
	owner = id.Username

	newName = strings.TrimSpace(newName)
	if newName == "" {
		return Folder{}, errs.New(op, errs.ErrInvalidRequest, "empty folder name")
	}

	unlock := s.locks.lock(owner)
	defer unlock()

	f, err := s.idx.GetFolder(ctx, owner, folderID)
	if err != nil {
		return Folder{}, err
	}
	if f.Name == newName {
		return f, nil
	}
	if err := s.folderNameFree(ctx, owner, f.ParentID, newName, folderID); err != nil {
		return Folder{}, err
	}
	if err := s.idx.UpdateFolder(ctx, owner, folderID, FolderPatch{Name: &newName}); err != nil {
		return Folder{}, err
	}

	f.Name = newName
	s.publish(owner)
	return f, nil
}

// MoveFolder reparents a folder. Moving a folder into itself or into one of
// its descendants is refused with errs.ErrInvalidRequest; the check walks
// the ancestry of the destination up to the root.
func (s *Service) MoveFolder(ctx context.Context, owner, folderID, newParentID string) (Folder, error) {
	const op = "vault.MoveFolder"

	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Folder{}, err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	f, err := s.idx.GetFolder(ctx, owner, folderID)
	if err != nil {
		return Folder{}, err
	}
	if f.ParentID == newParentID {
		return f, nil
	}
	if newParentID == folderID {
		return Folder{}, errs.New(op, errs.ErrInvalidRequest, "folder cannot contain itself")
	}

	if newParentID != "" {
		cursor := newParentID
		for cursor != "" {
			if cursor == folderID {
				return Folder{}, errs.New(op, errs.ErrInvalidRequest, "destination is a descendant")
			}
			parent, err := s.idx.GetFolder(ctx, owner, cursor)
			if err != nil {
				return Folder{}, err
			}
			cursor = parent.ParentID
		}
	}
	if err := s.folderNameFree(ctx, owner, newParentID, f.Name, folderID); err != nil {
		return Folder{}, err
	}
	if err := s.idx.UpdateFolder(ctx, owner, folderID, FolderPatch{ParentID: &newParentID}); err != nil {
		return Folder{}, err
	}

	f.ParentID = newParentID
	s.publish(owner)
	return f, nil
}

// GetFolder fetches one folder.
func (s *Service) GetFolder(ctx context.Context, owner, folderID string) (Folder, error) {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return Folder{}, err
	}
	return s.idx.GetFolder(ctx, id.Username, folderID)
}

// SetFolderLock toggles a folder lock. A locked folder hides its whole
// subtree from listings that lack an unlock grant.
func (s *Service) SetFolderLock(ctx context.Context, owner, folderID string, locked bool) error {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	f, err := s.idx.GetFolder(ctx, owner, folderID)
	if err != nil {
		return err
	}
	if f.IsLocked == locked {
		return nil
	}
	if err := s.idx.UpdateFolder(ctx, owner, folderID, FolderPatch{IsLocked: &locked}); err != nil {
		return err
	}

	s.publish(owner)
	return nil
}

// DeleteFolder removes a folder and every folder beneath it. Items from the
// removed subtree are reparented to the root rather than deleted.
func (s *Service) DeleteFolder(ctx context.Context, owner, folderID string) error {
	id, err := s.idents.Get(ctx, owner)
	if err != nil {
		return err
	}
	owner = id.Username

	unlock := s.locks.lock(owner)
	defer unlock()

	if _, err := s.idx.GetFolder(ctx, owner, folderID); err != nil {
		return err
	}

	folders, err := s.idx.ListFolders(ctx, owner)
	if err != nil {
		return err
	}
	children := make(map[string][]string, len(folders))
	for _, f := range folders {
		children[f.ParentID] = append(children[f.ParentID], f.ID)
	}

	subtree := []string{folderID}
	for i := 0; i < len(subtree); i++ {
		subtree = append(subtree, children[subtree[i]]...)
	}

	if err := s.idx.DeleteFolders(ctx, owner, subtree); err != nil {
		return err
	}

	s.log.Info("vault.delete.folder", "owner", owner, "folder", folderID, "subtree", len(subtree))
	s.publish(owner)
	return nil
}

// PurgeIdentity drops every item, folder and payload of an identity.
// Called on the admin identity-deletion path after the identity row is gone.
func (s *Service) PurgeIdentity(ctx context.Context, owner string) error {
	owner = identity.NormalizeUsername(owner)

	unlock := s.locks.lock(owner)
	defer unlock()

	items, err := s.idx.PurgeOwner(ctx, owner)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Kind == KindFile && it.BlobKey != "" {
			if derr := s.blobs.Delete(ctx, it.BlobKey); derr != nil {
				s.log.Warn("vault.purge.blob", "owner", owner, "key", it.BlobKey, "err", derr)
			}
		}
	}

	s.log.Info("vault.purge", "owner", owner, "items", len(items))
	s.publish(owner)
	return nil
}

// SweepStats reports what a sweep removed.
type SweepStats struct {
	ExpiredItems int
	OrphanBlobs  int
	DanglingRows int
}

// SweepExpired removes every expired item across all identities. Unknown
// owners fall back to the system default retention.
func (s *Service) SweepExpired(ctx context.Context) (SweepStats, error) {
	items, err := s.idx.AllItems(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	retention := make(map[string]int)
	now := s.nowFn()
	var stats SweepStats
	touched := make(map[string]bool)

	for _, it := range items {
		days, ok := retention[it.Owner]
		if !ok {
			days = s.cfg.DefaultRetentionDays
			if id, err := s.idents.Get(ctx, it.Owner); err == nil {
				days = s.retentionFor(id)
			}
			retention[it.Owner] = days
		}
		if !RemainingAt(now, it.CreatedAt, days).Expired {
			continue
		}

		unlock := s.locks.lock(it.Owner)
		_, derr := s.idx.DeleteItem(ctx, it.Owner, it.ID)
		unlock()
		if derr != nil {
			if errs.IsNotFound(derr) {
				continue
			}
			return stats, derr
		}
		if it.Kind == KindFile && it.BlobKey != "" {
			if berr := s.blobs.Delete(ctx, it.BlobKey); berr != nil {
				s.log.Warn("vault.sweep.blob", "owner", it.Owner, "key", it.BlobKey, "err", berr)
			}
		}
		stats.ExpiredItems++
		touched[it.Owner] = true
	}

	for owner := range touched {
		s.publish(owner)
	}
	if stats.ExpiredItems > 0 {
		s.log.Info("vault.sweep.expired", "removed", stats.ExpiredItems)
	}
	return stats, nil
}

// Reconcile repairs drift between index and blob store: payloads no index
// row references are released, and file rows whose payload is gone are
// dropped. Runs once at startup.
func (s *Service) Reconcile(ctx context.Context) (SweepStats, error) {
	items, err := s.idx.AllItems(ctx)
	if err != nil {
		return SweepStats{}, err
	}
	keys, err := s.blobs.Keys(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	referenced := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Kind == KindFile && it.BlobKey != "" {
			referenced[it.BlobKey] = true
		}
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}

	var stats SweepStats
	for _, k := range keys {
		if referenced[k] {
			continue
		}
		if err := s.blobs.Delete(ctx, k); err != nil {
			s.log.Warn("vault.reconcile.blob", "key", k, "err", err)
			continue
		}
		stats.OrphanBlobs++
	}
	for _, it := range items {
		if it.Kind != KindFile || present[it.BlobKey] {
			continue
		}
		unlock := s.locks.lock(it.Owner)
		_, derr := s.idx.DeleteItem(ctx, it.Owner, it.ID)
		unlock()
		if derr != nil && !errs.IsNotFound(derr) {
			return stats, derr
		}
		stats.DanglingRows++
	}

	if stats.OrphanBlobs > 0 || stats.DanglingRows > 0 {
		s.log.Info("vault.reconcile",
			"orphan_blobs", stats.OrphanBlobs, "dangling_rows", stats.DanglingRows)
	}
	return stats, nil
}

// uniqueItemName returns name, or name suffixed "_1", "_2", ... before the
// extension until it is free within the folder.
func (s *Service) uniqueItemName(ctx context.Context, owner, folderID, name string) (string, error) {
	items, err := s.idx.ListItems(ctx, owner)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool)
	for _, it := range items {
		if it.FolderID == folderID {
			taken[it.Name] = true
		}
	}
	if !taken[name] {
		return name, nil
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

// folderNameFree fails with errs.ErrConflict when another folder under
// parentID already carries the name. exclude skips the folder being renamed
// or moved.
func (s *Service) folderNameFree(ctx context.Context, owner, parentID, name, exclude string) error {
	const op = "vault.folderNameFree"

	folders, err := s.idx.ListFolders(ctx, owner)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.ID != exclude && f.ParentID == parentID && f.Name == name {
			return errs.New(op, errs.ErrConflict, "folder name taken")
		}
	}
	return nil
}

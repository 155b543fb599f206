package vault

import (
	"context"
	"sync"

	"stash/internal/errs"
)

// MemoryIndex keeps item and folder metadata in process memory. Items keep
// insertion order per owner so listings come back in creation order without
// sorting.
type MemoryIndex struct {
	mu sync.RWMutex

	items     map[string]map[string]*Item // owner -> id -> item
	itemOrder map[string][]string         // owner -> ids in insertion order
	folders   map[string]map[string]*Folder
}

// NewMemoryIndex constructs an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		items:     make(map[string]map[string]*Item),
		itemOrder: make(map[string][]string),
		folders:   make(map[string]map[string]*Folder),
	}
}

func (x *MemoryIndex) InsertItem(ctx context.Context, it Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	byID := x.items[it.Owner]
	if byID == nil {
		byID = make(map[string]*Item)
		x.items[it.Owner] = byID
	}
	if _, ok := byID[it.ID]; ok {
		return errs.New("vault.InsertItem", errs.ErrConflict, "item id taken")
	}

	cp := it
	byID[it.ID] = &cp
	x.itemOrder[it.Owner] = append(x.itemOrder[it.Owner], it.ID)
	return nil
}

func (x *MemoryIndex) GetItem(ctx context.Context, owner, itemID string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	it, ok := x.items[owner][itemID]
	if !ok {
		return Item{}, errs.New("vault.GetItem", errs.ErrNotFound, "item")
	}
	return *it, nil
}

func (x *MemoryIndex) ListItems(ctx context.Context, owner string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	order := x.itemOrder[owner]
	out := make([]Item, 0, len(order))
	for _, id := range order {
		if it, ok := x.items[owner][id]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (x *MemoryIndex) AllItems(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []Item
	for owner, order := range x.itemOrder {
		for _, id := range order {
			if it, ok := x.items[owner][id]; ok {
				out = append(out, *it)
			}
		}
	}
	return out, nil
}

func (x *MemoryIndex) UpdateItem(ctx context.Context, owner, itemID string, patch ItemPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	it, ok := x.items[owner][itemID]
	if !ok {
		return errs.New("vault.UpdateItem", errs.ErrNotFound, "item")
	}
	if patch.Name != nil {
		it.Name = *patch.Name
	}
	if patch.FolderID != nil {
		it.FolderID = *patch.FolderID
	}
	if patch.IsLocked != nil {
		it.IsLocked = *patch.IsLocked
	}
	return nil
}

func (x *MemoryIndex) DeleteItem(ctx context.Context, owner, itemID string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	it, ok := x.items[owner][itemID]
	if !ok {
		return Item{}, errs.New("vault.DeleteItem", errs.ErrNotFound, "item")
	}
	delete(x.items[owner], itemID)

	order := x.itemOrder[owner]
	for i, id := range order {
		if id == itemID {
			x.itemOrder[owner] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return *it, nil
}

func (x *MemoryIndex) InsertFolder(ctx context.Context, f Folder) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	byID := x.folders[f.Owner]
	if byID == nil {
		byID = make(map[string]*Folder)
		x.folders[f.Owner] = byID
	}
	if _, ok := byID[f.ID]; ok {
		return errs.New("vault.InsertFolder", errs.ErrConflict, "folder id taken")
	}

	cp := f
	byID[f.ID] = &cp
	return nil
}

func (x *MemoryIndex) GetFolder(ctx context.Context, owner, folderID string) (Folder, error) {
	if err := ctx.Err(); err != nil {
		return Folder{}, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	f, ok := x.folders[owner][folderID]
	if !ok {
		return Folder{}, errs.New("vault.GetFolder", errs.ErrNotFound, "folder")
	}
	return *f, nil
}

func (x *MemoryIndex) ListFolders(ctx context.Context, owner string) ([]Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Folder, 0, len(x.folders[owner]))
	for _, f := range x.folders[owner] {
		out = append(out, *f)
	}
	return out, nil
}

func (x *MemoryIndex) UpdateFolder(ctx context.Context, owner, folderID string, patch FolderPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	f, ok := x.folders[owner][folderID]
	if !ok {
		return errs.New("vault.UpdateFolder", errs.ErrNotFound, "folder")
	}
	if patch.Name != nil {
		f.Name = *patch.Name
	}
	if patch.ParentID != nil {
		f.ParentID = *patch.ParentID
	}
	if patch.IsLocked != nil {
		f.IsLocked = *patch.IsLocked
	}
	return nil
}

func (x *MemoryIndex) DeleteFolders(ctx context.Context, owner string, folderIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	gone := make(map[string]bool, len(folderIDs))
	for _, id := range folderIDs {
		if _, ok := x.folders[owner][id]; ok {
			delete(x.folders[owner], id)
			gone[id] = true
		}
	}
	for _, it := range x.items[owner] {
		if gone[it.FolderID] {
			it.FolderID = ""
		}
	}
	return nil
}

func (x *MemoryIndex) PurgeOwner(ctx context.Context, owner string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	order := x.itemOrder[owner]
	out := make([]Item, 0, len(order))
	for _, id := range order {
		if it, ok := x.items[owner][id]; ok {
			out = append(out, *it)
		}
	}
	delete(x.items, owner)
	delete(x.itemOrder, owner)
	delete(x.folders, owner)
	return out, nil
}

package vault

import "context"

// Index persists item and folder metadata. Implementations return errs
// kinds: ErrNotFound for absent rows and ErrConflict for duplicate ids.
//
// The Index is pure bookkeeping. Payload IO, ownership checks against the
// identity roster, folder-cycle prevention and change notifications all live
// in the Service; per-identity mutation serialization does too, so an Index
// only needs to be safe for concurrent use, not transactional across calls.
type Index interface {
	InsertItem(ctx context.Context, it Item) error
	GetItem(ctx context.Context, owner, itemID string) (Item, error)

	// ListItems returns the owner's items in creation order.
	ListItems(ctx context.Context, owner string) ([]Item, error)

	// AllItems returns every item of every owner, for the retention and
	// orphan sweeps.
	AllItems(ctx context.Context) ([]Item, error)

	UpdateItem(ctx context.Context, owner, itemID string, patch ItemPatch) error

	// DeleteItem removes the row and returns it so the caller can release
	// the payload.
	DeleteItem(ctx context.Context, owner, itemID string) (Item, error)

	InsertFolder(ctx context.Context, f Folder) error
	GetFolder(ctx context.Context, owner, folderID string) (Folder, error)
	ListFolders(ctx context.Context, owner string) ([]Folder, error)
	UpdateFolder(ctx context.Context, owner, folderID string, patch FolderPatch) error

	// DeleteFolders removes the given folders and reparents their direct
	// items to the root. Absent ids are ignored.
	DeleteFolders(ctx context.Context, owner string, folderIDs []string) error

	// PurgeOwner drops every item and folder of an identity and returns the
	// removed items so payloads can be released.
	PurgeOwner(ctx context.Context, owner string) ([]Item, error)
}

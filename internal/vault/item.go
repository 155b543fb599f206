// Package vault owns stored items (files and notes) and the folder hierarchy
// of each identity.
//
// Item metadata lives in an Index (memory or Postgres); file payload bytes
// live in a blob.Store referenced by opaque storage keys. The Service ties
// the two together and enforces the ordering invariant: the index never
// references a payload that was not actually persisted.
package vault

import "time"

// Kind tags the StoredItem union.
type Kind string

const (
	// KindFile is an uploaded file; payload lives in the blob store.
	KindFile Kind = "file"

	// KindNote is a URL or text note; payload is the Note field itself.
	KindNote Kind = "note"
)

// Item is the common envelope shared by both variants.
type Item struct {
	ID    string
	Owner string
	Kind  Kind

	// Name is the filename for files and a display label for notes.
	Name string

	// Note holds the text/URL payload for KindNote.
	Note string

	// FolderID places the item in the owner's folder tree; empty means root.
	FolderID string

	// SizeBytes is the payload size for KindFile.
	SizeBytes int64

	// BlobKey references the payload in the blob store for KindFile.
	BlobKey string

	// IsLocked gates payload access behind an item-scope unlock grant,
	// independent of the account-wide lock.
	IsLocked bool

	CreatedAt time.Time
}

// Folder is pure organizational metadata; folders never expire.
type Folder struct {
	ID       string
	Owner    string
	Name     string
	ParentID string // empty = root
	IsLocked bool
}

// ItemView is an Item plus derived retention fields for display. The derived
// fields are computed per request and never stored.
type ItemView struct {
	Item
	RemainingDays  int
	RemainingHours int
	Expired        bool
}

// ItemPatch updates mutable item metadata. Nil fields are left unchanged.
type ItemPatch struct {
	Name     *string
	FolderID *string
	IsLocked *bool
}

// FolderPatch updates mutable folder metadata. Nil fields are left unchanged.
type FolderPatch struct {
	Name     *string
	ParentID *string
	IsLocked *bool
}

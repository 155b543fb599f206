package vault

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stash/internal/blob"
	"stash/internal/errs"
	"stash/internal/identity"
	"stash/internal/notify"
)

type fixture struct {
	svc    *Service
	idents *identity.MemoryStore
	blobs  *blob.MemoryStore
	bus    *notify.Bus
	now    time.Time
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()

	idents, err := identity.NewMemoryStore()
	require.NoError(t, err)

	blobs := blob.NewMemoryStore()
	bus := notify.NewBus(nil)
	t.Cleanup(bus.Close)

	f := &fixture{
		idents: idents,
		blobs:  blobs,
		bus:    bus,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(NewMemoryIndex(), blobs, idents, bus, nil, Config{
		DefaultRetentionDays: 7,
		MaxItemBytes:         1 << 20,
		MaxNoteChars:         1000,
	})
	f.svc.SetClock(func() time.Time { return f.now })

	for _, u := range users {
		_, err := idents.Create(context.Background(), u, "hunter2hunter2")
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) putFile(t *testing.T, owner, name, body string) Item {
	t.Helper()
	it, err := f.svc.PutFile(context.Background(), owner, name, "", strings.NewReader(body))
	require.NoError(t, err)
	return it
}

func TestPutAndListCreationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	f.putFile(t, "alice", "zzz.txt", "third-from-last alphabetically")
	f.advance(time.Second)
	f.putFile(t, "alice", "aaa.txt", "first alphabetically")
	f.advance(time.Second)
	_, err := f.svc.PutNote(ctx, "alice", "", "https://example.com", "")
	require.NoError(t, err)

	listing, err := f.svc.List(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, listing.Items, 3)

	require.Equal(t, "zzz.txt", listing.Items[0].Name)
	require.Equal(t, "aaa.txt", listing.Items[1].Name)
	require.Equal(t, KindNote, listing.Items[2].Kind)
	require.Equal(t, "https://example.com", listing.Items[2].Note)
}

func TestPutFileUniqueNameSuffixing(t *testing.T) {
	f := newFixture(t, "alice")

	first := f.putFile(t, "alice", "report.pdf", "v1")
	second := f.putFile(t, "alice", "report.pdf", "v2")
	third := f.putFile(t, "alice", "report.pdf", "v3")

	require.Equal(t, "report.pdf", first.Name)
	require.Equal(t, "report_1.pdf", second.Name)
	require.Equal(t, "report_2.pdf", third.Name)
}

func TestPutFileSizeCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	big := strings.NewReader(strings.Repeat("x", (1<<20)+1))
	_, err := f.svc.PutFile(ctx, "alice", "big.bin", "", big)
	require.True(t, errs.IsResourceExceeded(err))

	// The rejected payload must not linger in the blob store.
	keys, err := f.blobs.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestExpiredPayloadVersusMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	it := f.putFile(t, "alice", "doc.txt", "payload bytes")
	f.advance(8 * 24 * time.Hour)

	// Metadata stays listable, flagged expired.
	listing, err := f.svc.List(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, listing.Items, 1)
	require.True(t, listing.Items[0].Expired)

	// Visitors get Expired; the owner can still read until the sweep.
	_, _, err = f.svc.OpenPayload(ctx, "alice", it.ID, false)
	require.True(t, errs.IsExpired(err))

	_, rc, err := f.svc.OpenPayload(ctx, "alice", it.ID, true)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "payload bytes", string(body))
}

func TestRetentionForeverOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	forever := 0
	require.NoError(t, f.idents.Update(ctx, "alice", identity.UpdateInput{RetentionDays: &forever}))

	it := f.putFile(t, "alice", "keep.txt", "stays")
	f.advance(1000 * 24 * time.Hour)

	view, err := f.svc.GetItem(ctx, "alice", it.ID)
	require.NoError(t, err)
	require.False(t, view.Expired)
	require.Equal(t, -1, view.RemainingDays)

	_, _, err = f.svc.OpenPayload(ctx, "alice", it.ID, false)
	require.NoError(t, err)
}

func TestDeleteItemReleasesPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	it := f.putFile(t, "alice", "doc.txt", "payload")

	require.NoError(t, f.svc.DeleteItem(ctx, "alice", it.ID))
	require.True(t, errs.IsNotFound(f.svc.DeleteItem(ctx, "alice", it.ID)))

	keys, err := f.blobs.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	_, _, err = f.svc.OpenPayload(ctx, "alice", it.ID, true)
	require.True(t, errs.IsNotFound(err))
}

func TestFolderCycleRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	a, err := f.svc.CreateFolder(ctx, "alice", "a", "")
	require.NoError(t, err)
	b, err := f.svc.CreateFolder(ctx, "alice", "b", a.ID)
	require.NoError(t, err)
	c, err := f.svc.CreateFolder(ctx, "alice", "c", b.ID)
	require.NoError(t, err)

	_, err = f.svc.MoveFolder(ctx, "alice", a.ID, a.ID)
	require.True(t, errs.IsInvalidRequest(err))

	_, err = f.svc.MoveFolder(ctx, "alice", a.ID, c.ID)
	require.True(t, errs.IsInvalidRequest(err))

	// A legal reparent still works.
	_, err = f.svc.MoveFolder(ctx, "alice", c.ID, a.ID)
	require.NoError(t, err)
}

func TestFolderDuplicateNameConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	a, err := f.svc.CreateFolder(ctx, "alice", "docs", "")
	require.NoError(t, err)

	_, err = f.svc.CreateFolder(ctx, "alice", "docs", "")
	require.True(t, errs.IsConflict(err))

	// Same name under a different parent is fine.
	_, err = f.svc.CreateFolder(ctx, "alice", "docs", a.ID)
	require.NoError(t, err)
}

func TestLockedFolderSubtreeHiding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	private, err := f.svc.CreateFolder(ctx, "alice", "private", "")
	require.NoError(t, err)
	inner, err := f.svc.CreateFolder(ctx, "alice", "inner", private.ID)
	require.NoError(t, err)

	_, err = f.svc.PutNote(ctx, "alice", "", "hidden note", inner.ID)
	require.NoError(t, err)
	f.putFile(t, "alice", "visible.txt", "public")

	require.NoError(t, f.svc.SetFolderLock(ctx, "alice", private.ID, true))

	anon, err := f.svc.List(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, anon.Items, 1)
	require.Equal(t, "visible.txt", anon.Items[0].Name)
	require.Empty(t, anon.Folders)

	granted, err := f.svc.List(ctx, "alice", ListOptions{IncludeLocked: true})
	require.NoError(t, err)
	require.Len(t, granted.Items, 2)
	require.Len(t, granted.Folders, 2)
}

func TestLockedItemHiddenWithoutGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	it := f.putFile(t, "alice", "secret.txt", "contents")
	require.NoError(t, f.svc.SetItemLock(ctx, "alice", it.ID, true))

	anon, err := f.svc.List(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Empty(t, anon.Items)

	granted, err := f.svc.List(ctx, "alice", ListOptions{IncludeLocked: true})
	require.NoError(t, err)
	require.Len(t, granted.Items, 1)
}

func TestDeleteFolderReparentsItemsToRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	docs, err := f.svc.CreateFolder(ctx, "alice", "docs", "")
	require.NoError(t, err)
	sub, err := f.svc.CreateFolder(ctx, "alice", "sub", docs.ID)
	require.NoError(t, err)

	note, err := f.svc.PutNote(ctx, "alice", "", "in sub", sub.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteFolder(ctx, "alice", docs.ID))

	listing, err := f.svc.List(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Empty(t, listing.Folders)
	require.Len(t, listing.Items, 1)
	require.Equal(t, note.ID, listing.Items[0].ID)
	require.Empty(t, listing.Items[0].FolderID)
}

func TestMoveItemSuffixesOnCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	docs, err := f.svc.CreateFolder(ctx, "alice", "docs", "")
	require.NoError(t, err)

	inRoot := f.putFile(t, "alice", "doc.txt", "root copy")
	inDocs, err := f.svc.PutFile(ctx, "alice", "doc.txt", docs.ID, strings.NewReader("docs copy"))
	require.NoError(t, err)
	require.Equal(t, "doc.txt", inDocs.Name)

	moved, err := f.svc.MoveItem(ctx, "alice", inRoot.ID, docs.ID)
	require.NoError(t, err)
	require.Equal(t, "doc_1.txt", moved.Name)
	require.Equal(t, docs.ID, moved.FolderID)
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	old := f.putFile(t, "alice", "old.txt", "ancient")
	f.advance(8 * 24 * time.Hour)
	fresh := f.putFile(t, "bob", "fresh.txt", "new")

	stats, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ExpiredItems)

	_, err = f.svc.GetItem(ctx, "alice", old.ID)
	require.True(t, errs.IsNotFound(err))

	_, err = f.svc.GetItem(ctx, "bob", fresh.ID)
	require.NoError(t, err)

	// The expired payload is released too.
	keys, err := f.blobs.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestReconcileRepairsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	kept := f.putFile(t, "alice", "kept.txt", "ok")
	lost := f.putFile(t, "alice", "lost.txt", "payload will vanish")

	// Simulate drift: one payload disappears, one orphan appears.
	require.NoError(t, f.blobs.Delete(ctx, lost.BlobKey))
	_, err := f.blobs.Put(ctx, "items/2026/03/01/orphan", strings.NewReader("nobody references me"))
	require.NoError(t, err)

	stats, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.OrphanBlobs)
	require.Equal(t, 1, stats.DanglingRows)

	_, err = f.svc.GetItem(ctx, "alice", lost.ID)
	require.True(t, errs.IsNotFound(err))
	_, err = f.svc.GetItem(ctx, "alice", kept.ID)
	require.NoError(t, err)
}

func TestBatchDeleteSkipsLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	open1 := f.putFile(t, "alice", "a.txt", "one")
	locked := f.putFile(t, "alice", "b.txt", "two")
	open2 := f.putFile(t, "alice", "c.txt", "three")
	require.NoError(t, f.svc.SetItemLock(ctx, "alice", locked.ID, true))

	res, err := f.svc.DeleteItems(ctx, "alice", []string{open1.ID, locked.ID, open2.ID, "missing-id"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Affected)
	require.Equal(t, 1, res.SkippedLocked)
	require.Equal(t, 1, res.Missing)

	// The locked item survived with its payload; the others are gone.
	_, err = f.svc.GetItem(ctx, "alice", locked.ID)
	require.NoError(t, err)
	keys, err := f.blobs.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestBatchLockToggle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	a := f.putFile(t, "alice", "a.txt", "one")
	b := f.putFile(t, "alice", "b.txt", "two")
	require.NoError(t, f.svc.SetItemLock(ctx, "alice", a.ID, true))

	// Locking counts only the item that actually changed state.
	res, err := f.svc.SetItemsLock(ctx, "alice", []string{a.ID, b.ID}, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Affected)

	res, err = f.svc.SetItemsLock(ctx, "alice", []string{a.ID, b.ID}, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.Affected)

	listing, err := f.svc.List(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, listing.Items, 2)
}

func TestMutationsPublishChangeCues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	sub := f.bus.Subscribe("alice", 8)
	defer sub.Unsubscribe()

	f.putFile(t, "alice", "doc.txt", "payload")

	select {
	case ev := <-sub.C():
		require.Equal(t, "alice", ev.Channel)
	case <-time.After(time.Second):
		t.Fatal("no change cue published")
	}

	_, err := f.svc.PutNote(ctx, "bob-does-not-exist", "", "text", "")
	require.True(t, errs.IsNotFound(err))
}

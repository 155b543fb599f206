package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"stash/internal/admin"
	"stash/internal/blob"
	"stash/internal/identity"
	"stash/internal/lockgate"
	"stash/internal/notify"
	"stash/internal/share"
	"stash/internal/upload"
	"stash/internal/vault"
)

const testMasterKey = "master-secret"

type fixture struct {
	srv    *httptest.Server
	bus    *notify.Bus
	shares *share.Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, Config{})
}

func newFixtureWith(t *testing.T, cfg Config) *fixture {
	t.Helper()

	idents, err := identity.NewMemoryStore()
	require.NoError(t, err)

	bus := notify.NewBus(nil)
	t.Cleanup(bus.Close)

	vaults := vault.NewService(vault.NewMemoryIndex(), blob.NewMemoryStore(), idents, bus, nil, vault.Config{
		DefaultRetentionDays: 7,
		MaxItemBytes:         1 << 20,
		MaxNoteChars:         1000,
	})

	gate, err := lockgate.New(idents, nil, lockgate.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:    15 * time.Minute,
	})
	require.NoError(t, err)

	shares := share.NewService(share.NewMemoryTokenStore(), vaults, nil, share.Config{TTL: 24 * time.Hour})

	uploads, err := upload.NewCoordinator(vaults, nil, upload.Config{Dir: t.TempDir(), MaxBytes: 1 << 20})
	require.NoError(t, err)

	admins := admin.New(idents, vaults, nil, testMasterKey)
	ws := notify.NewGateway(bus, nil, notify.GatewayConfig{})

	h := NewHandler(nil, idents, vaults, gate, shares, uploads, admins, bus, ws, cfg)
	r := chi.NewRouter()
	h.Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, bus: bus, shares: shares}
}

type request struct {
	method  string
	path    string
	body    io.Reader
	grant   string
	headers map[string]string
}

func (f *fixture) do(t *testing.T, req request) *http.Response {
	t.Helper()

	r, err := http.NewRequest(req.method, f.srv.URL+req.path, req.body)
	require.NoError(t, err)
	if req.body != nil && req.headers["Content-Type"] == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.grant != "" {
		r.Header.Set("Authorization", "Bearer "+req.grant)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}

	resp, err := f.srv.Client().Do(r)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

// provision creates an identity through the admin surface.
func (f *fixture) provision(t *testing.T, username, password string) {
	t.Helper()
	resp := f.do(t, request{
		method:  http.MethodPost,
		path:    "/api/admin/identities",
		body:    jsonBody(t, map[string]string{"username": username, "password": password}),
		headers: map[string]string{"X-Master-Key": testMasterKey},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// unlock trades credentials for an account grant.
func (f *fixture) unlock(t *testing.T, username, password string) string {
	t.Helper()
	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/" + username + "/unlock",
		body:   jsonBody(t, map[string]string{"password": password}),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Grant string `json:"grant"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Grant)
	return out.Grant
}

func (f *fixture) putNote(t *testing.T, username, grant, label, text string) itemJSON {
	t.Helper()
	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/" + username + "/items",
		body:   jsonBody(t, map[string]string{"kind": "note", "label": label, "text": text}),
		grant:  grant,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var it itemJSON
	decodeBody(t, resp, &it)
	return it
}

func (f *fixture) putFile(t *testing.T, username, grant, name, content string) itemJSON {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := f.do(t, request{
		method:  http.MethodPost,
		path:    "/api/identities/" + username + "/items",
		body:    &buf,
		grant:   grant,
		headers: map[string]string{"Content-Type": mw.FormDataContentType()},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var it itemJSON
	decodeBody(t, resp, &it)
	return it
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func requireErrorEnvelope(t *testing.T, resp *http.Response, status int, kind string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)

	var env struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	decodeBody(t, resp, &env)
	require.Equal(t, kind, env.Kind)
	require.NotEmpty(t, env.Message)
}

func TestAdminProvisioning(t *testing.T) {
	f := newFixture(t)

	// No key, wrong key.
	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/admin/identities",
		body:   jsonBody(t, map[string]string{"username": "alice", "password": "hunter2hunter2"}),
	})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	resp = f.do(t, request{
		method:  http.MethodPost,
		path:    "/api/admin/identities",
		body:    jsonBody(t, map[string]string{"username": "alice", "password": "hunter2hunter2"}),
		headers: map[string]string{"X-Master-Key": "guess"},
	})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	f.provision(t, "alice", "hunter2hunter2")

	resp = f.do(t, request{
		method:  http.MethodGet,
		path:    "/api/admin/identities",
		headers: map[string]string{"X-Master-Key": testMasterKey},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []adminIdentityJSON
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)
	require.Equal(t, "alice", list[0].Username)
	require.True(t, list[0].FirstLogin)
}

func TestRosterListsVisibleIdentities(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	f.provision(t, "bob", "hunter2hunter2")

	hidden := false
	resp := f.do(t, request{
		method:  http.MethodPatch,
		path:    "/api/admin/identities/bob",
		body:    jsonBody(t, map[string]any{"show_in_list": &hidden}),
		headers: map[string]string{"X-Master-Key": testMasterKey},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var roster []rosterEntry
	decodeBody(t, resp, &roster)
	require.Len(t, roster, 1)
	require.Equal(t, "alice", roster[0].Username)
}

func TestUnlockRejectsBadPassword(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/unlock",
		body:   jsonBody(t, map[string]string{"password": "wrong"}),
	})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")
}

func TestMutationsRequireAccountGrant(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items",
		body:   jsonBody(t, map[string]string{"kind": "note", "text": "secret"}),
	})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	// A grant for bob does not work on alice's vault.
	f.provision(t, "bob", "hunter2hunter2")
	bobGrant := f.unlock(t, "bob", "hunter2hunter2")
	resp = f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items",
		body:   jsonBody(t, map[string]string{"kind": "note", "text": "secret"}),
		grant:  bobGrant,
	})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")
}

func TestNoteLifecycle(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	it := f.putNote(t, "alice", grant, "reminder", "rotate the backup drive")
	require.Equal(t, "note", it.Kind)
	require.Equal(t, "reminder", it.Name)
	require.False(t, it.Expired)

	resp := f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items/" + it.ID + "/payload"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Equal(t, "rotate the backup drive", readBody(t, resp))

	resp = f.do(t, request{method: http.MethodDelete, path: "/api/identities/alice/items/" + it.ID, grant: grant})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items/" + it.ID})
	requireErrorEnvelope(t, resp, http.StatusNotFound, "not_found")
}

func TestFileUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	it := f.putFile(t, "alice", grant, "report.pdf", "pdf bytes here")
	require.Equal(t, "file", it.Kind)
	require.Equal(t, "report.pdf", it.Name)
	require.Equal(t, int64(len("pdf bytes here")), it.SizeBytes)

	resp := f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items/" + it.ID + "/payload"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), `filename="report.pdf"`)
	require.Equal(t, "pdf bytes here", readBody(t, resp))
}

func TestLockedItemAccess(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	it := f.putNote(t, "alice", grant, "secret", "the combination is 12345")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items/" + it.ID + "/lock",
		body:   jsonBody(t, map[string]bool{"locked": true}),
		grant:  grant,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Without a grant the item is invisible in the listing and its payload
	// and metadata are refused.
	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Items   []itemJSON   `json:"items"`
		Folders []folderJSON `json:"folders"`
	}
	decodeBody(t, resp, &listing)
	require.Empty(t, listing.Items)

	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items/" + it.ID + "/payload"})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	// An account grant lists it but does not open it; that takes an
	// item-scope grant.
	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items", grant: grant})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Items, 1)

	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items/" + it.ID + "/payload", grant: grant})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	unlockResp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/unlock",
		body:   jsonBody(t, map[string]string{"password": "hunter2hunter2", "scope": "item", "item_id": it.ID}),
	})
	require.Equal(t, http.StatusOK, unlockResp.StatusCode)
	var out struct {
		Grant string `json:"grant"`
	}
	decodeBody(t, unlockResp, &out)

	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items/" + it.ID + "/payload", grant: out.Grant})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "the combination is 12345", readBody(t, resp))
}

func TestFolderOperations(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/folders",
		body:   jsonBody(t, map[string]string{"name": "taxes"}),
		grant:  grant,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var folder folderJSON
	decodeBody(t, resp, &folder)
	require.Equal(t, "taxes", folder.Name)

	resp = f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/folders",
		body:   jsonBody(t, map[string]string{"name": "taxes"}),
		grant:  grant,
	})
	requireErrorEnvelope(t, resp, http.StatusConflict, "conflict")

	// Moving a folder under itself is refused.
	self := folder.ID
	resp = f.do(t, request{
		method: http.MethodPatch,
		path:   "/api/identities/alice/folders/" + folder.ID,
		body:   jsonBody(t, map[string]any{"parent_id": &self}),
		grant:  grant,
	})
	requireErrorEnvelope(t, resp, http.StatusBadRequest, "invalid_request")

	resp = f.do(t, request{
		method: http.MethodPatch,
		path:   "/api/identities/alice/folders/" + folder.ID,
		body:   jsonBody(t, map[string]any{"name": "taxes-2026"}),
		grant:  grant,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &folder)
	require.Equal(t, "taxes-2026", folder.Name)

	resp = f.do(t, request{method: http.MethodDelete, path: "/api/identities/alice/folders/" + folder.ID, grant: grant})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestChunkedUploadFlow(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	payload := strings.Repeat("0123456789", 30)

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/uploads",
		body:   jsonBody(t, map[string]any{"name": "big.bin", "size": len(payload)}),
		grant:  grant,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Location"))
	var session uploadJSON
	decodeBody(t, resp, &session)

	// First chunk.
	resp = f.do(t, request{
		method:  http.MethodPatch,
		path:    "/api/identities/alice/uploads/" + session.ID,
		body:    strings.NewReader(payload[:100]),
		grant:   grant,
		headers: map[string]string{"Content-Type": "application/offset+octet-stream", "Upload-Offset": "0"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var progress uploadJSON
	decodeBody(t, resp, &progress)
	require.Equal(t, int64(100), progress.Offset)
	require.False(t, progress.Complete)

	// Resume probe.
	resp = f.do(t, request{method: http.MethodHead, path: "/api/identities/alice/uploads/" + session.ID, grant: grant})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "100", resp.Header.Get("Upload-Offset"))
	require.Equal(t, fmt.Sprint(len(payload)), resp.Header.Get("Upload-Length"))

	// Completing chunk answers with the stored item.
	resp = f.do(t, request{
		method:  http.MethodPatch,
		path:    "/api/identities/alice/uploads/" + session.ID,
		body:    strings.NewReader(payload[100:]),
		grant:   grant,
		headers: map[string]string{"Content-Type": "application/offset+octet-stream", "Upload-Offset": "100"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var it itemJSON
	decodeBody(t, resp, &it)
	require.Equal(t, "big.bin", it.Name)
	require.Equal(t, int64(len(payload)), it.SizeBytes)

	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities/alice/items/" + it.ID + "/payload"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, readBody(t, resp))
}

func TestShareFlow(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	it := f.putFile(t, "alice", grant, "report.pdf", "pdf bytes here")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items/" + it.ID + "/share",
		grant:  grant,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tok shareJSON
	decodeBody(t, resp, &tok)
	require.NotEmpty(t, tok.Token)
	require.Equal(t, "/api/share/"+tok.Token, tok.URL)

	// Anonymous redemption, twice.
	for range 2 {
		resp = f.do(t, request{method: http.MethodGet, path: "/api/share/" + tok.Token})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "pdf bytes here", readBody(t, resp))
	}

	resp = f.do(t, request{method: http.MethodGet, path: "/api/share/" + tok.Token + "/info"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	decodeBody(t, resp, &info)
	require.Equal(t, "report.pdf", info.Name)
	require.Equal(t, "file", info.Kind)

	// Revocation needs the owner's grant.
	resp = f.do(t, request{method: http.MethodDelete, path: "/api/share/" + tok.Token})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	resp = f.do(t, request{method: http.MethodDelete, path: "/api/share/" + tok.Token, grant: grant})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, request{method: http.MethodGet, path: "/api/share/" + tok.Token})
	requireErrorEnvelope(t, resp, http.StatusNotFound, "not_found")
}

func TestRevokeExpiredShareRequiresGrant(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	it := f.putFile(t, "alice", grant, "report.pdf", "pdf bytes here")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items/" + it.ID + "/share",
		grant:  grant,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tok shareJSON
	decodeBody(t, resp, &tok)

	f.shares.SetClock(func() time.Time { return time.Now().UTC().Add(25 * time.Hour) })

	resp = f.do(t, request{method: http.MethodGet, path: "/api/share/" + tok.Token})
	requireErrorEnvelope(t, resp, http.StatusGone, "expired")

	// Expiry does not open revocation to strangers who know the token value.
	resp = f.do(t, request{method: http.MethodDelete, path: "/api/share/" + tok.Token})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	resp = f.do(t, request{method: http.MethodDelete, path: "/api/share/" + tok.Token, grant: grant})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, request{method: http.MethodDelete, path: "/api/share/" + tok.Token, grant: grant})
	requireErrorEnvelope(t, resp, http.StatusNotFound, "not_found")
}

func TestUnlockRateLimited(t *testing.T) {
	f := newFixtureWith(t, Config{UnlockRatePerMin: 3})
	f.provision(t, "alice", "hunter2hunter2")

	badAttempt := func() *http.Response {
		return f.do(t, request{
			method: http.MethodPost,
			path:   "/api/identities/alice/unlock",
			body:   jsonBody(t, map[string]string{"password": "guess"}),
		})
	}

	for range 3 {
		resp := badAttempt()
		requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")
	}

	resp := badAttempt()
	requireErrorEnvelope(t, resp, http.StatusTooManyRequests, "rate_limited")

	// The rest of the surface stays open for the same client.
	resp = f.do(t, request{method: http.MethodGet, path: "/api/identities"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRotatePasswordInvalidatesGrant(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/rotate-password",
		body:   jsonBody(t, map[string]string{"old_password": "hunter2hunter2", "new_password": "replacement99"}),
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items",
		body:   jsonBody(t, map[string]string{"kind": "note", "text": "stale grant"}),
		grant:  grant,
	})
	requireErrorEnvelope(t, resp, http.StatusUnauthorized, "unauthorized")

	fresh := f.unlock(t, "alice", "replacement99")
	f.putNote(t, "alice", fresh, "works", "again")
}

func TestUnknownBodyFieldRejected(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items",
		body:   strings.NewReader(`{"kind":"note","text":"x","bogus":true}`),
		grant:  grant,
	})
	requireErrorEnvelope(t, resp, http.StatusBadRequest, "invalid_request")
}

func TestBatchDelete(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	a := f.putNote(t, "alice", grant, "a", "one")
	b := f.putNote(t, "alice", grant, "b", "two")

	resp := f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items/" + b.ID + "/lock",
		body:   jsonBody(t, map[string]bool{"locked": true}),
		grant:  grant,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, request{
		method: http.MethodPost,
		path:   "/api/identities/alice/items/batch",
		body:   jsonBody(t, map[string]any{"op": "delete", "ids": []string{a.ID, b.ID}}),
		grant:  grant,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Affected      int `json:"affected"`
		SkippedLocked int `json:"skipped_locked"`
		Missing       int `json:"missing"`
	}
	decodeBody(t, resp, &out)
	require.Equal(t, 1, out.Affected)
	require.Equal(t, 1, out.SkippedLocked)
}

func TestWebsocketChangeCue(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "alice", "hunter2hunter2")
	grant := f.unlock(t, "alice", "hunter2hunter2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws/alice"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the gateway to attach its subscription before mutating.
	require.Eventually(t, func() bool { return f.bus.Subscribers() > 0 }, 2*time.Second, 10*time.Millisecond)

	f.putNote(t, "alice", grant, "ping", "cue please")

	kind, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, kind)
	require.Equal(t, "refresh", string(data))
}

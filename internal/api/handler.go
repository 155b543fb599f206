package api

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stash/internal/admin"
	"stash/internal/errs"
	"stash/internal/identity"
	"stash/internal/lockgate"
	"stash/internal/notify"
	"stash/internal/share"
	"stash/internal/upload"
	"stash/internal/vault"
)

// Config tunes the HTTP surface.
type Config struct {
	// UnlockRatePerMin throttles credential checks per client address;
	// 0 disables the throttle.
	UnlockRatePerMin int
}

// Handler serves the REST and websocket surface.
type Handler struct {
	log *slog.Logger

	idents  identity.Store
	vaults  *vault.Service
	gate    *lockgate.Gate
	shares  *share.Service
	uploads *upload.Coordinator
	admins  *admin.Gate
	bus     *notify.Bus
	ws      *notify.Gateway

	unlockLimit *ipLimiter
}

// NewHandler wires the Handler.
func NewHandler(
	log *slog.Logger,
	idents identity.Store,
	vaults *vault.Service,
	gate *lockgate.Gate,
	shares *share.Service,
	uploads *upload.Coordinator,
	admins *admin.Gate,
	bus *notify.Bus,
	ws *notify.Gateway,
	cfg Config,
) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		log:         log,
		idents:      idents,
		vaults:      vaults,
		gate:        gate,
		shares:      shares,
		uploads:     uploads,
		admins:      admins,
		bus:         bus,
		ws:          ws,
		unlockLimit: newIPLimiter(cfg.UnlockRatePerMin),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/admin/identities", func(r chi.Router) {
			r.Get("/", h.adminListIdentities)
			r.Post("/", h.adminCreateIdentity)
			r.Patch("/{username}", h.adminUpdateIdentity)
			r.Delete("/{username}", h.adminDeleteIdentity)
		})

		r.Get("/identities", h.listRoster)

		r.Route("/identities/{username}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(h.throttle(h.unlockLimit))
				r.Post("/unlock", h.unlock)
				r.Post("/rotate-password", h.rotatePassword)
			})

			r.Get("/items", h.listItems)
			r.Post("/items", h.putItem)
			r.Post("/items/batch", h.batchItems)
			r.Get("/items/{id}", h.getItem)
			r.Patch("/items/{id}", h.updateItem)
			r.Delete("/items/{id}", h.deleteItem)
			r.Post("/items/{id}/lock", h.lockItem)
			r.Get("/items/{id}/payload", h.getPayload)
			r.Post("/items/{id}/share", h.issueShare)

			r.Post("/folders", h.createFolder)
			r.Patch("/folders/{id}", h.updateFolder)
			r.Delete("/folders/{id}", h.deleteFolder)

			r.Post("/uploads", h.openUpload)
			r.Head("/uploads/{id}", h.headUpload)
			r.Patch("/uploads/{id}", h.patchUpload)
			r.Delete("/uploads/{id}", h.abortUpload)
		})

		r.Get("/share/{token}", h.redeemShare)
		r.Get("/share/{token}/info", h.shareInfo)
		r.Delete("/share/{token}", h.revokeShare)
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.ws.Serve(w, r, "")
	})
	r.Get("/ws/{username}", func(w http.ResponseWriter, r *http.Request) {
		h.ws.Serve(w, r, identity.NormalizeUsername(chi.URLParam(r, "username")))
	})
}

// ---- auth helpers ----

func bearerGrant(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// hasAccountGrant reports whether the request carries a valid account-scope
// grant for username.
func (h *Handler) hasAccountGrant(r *http.Request, username string) bool {
	grant := bearerGrant(r)
	if grant == "" {
		return false
	}
	return h.gate.Verify(r.Context(), grant, username, lockgate.ScopeAccount) == nil
}

// requireAccountGrant is hasAccountGrant as an error.
func (h *Handler) requireAccountGrant(r *http.Request, username string) error {
	if !h.hasAccountGrant(r, username) {
		return errs.New("api.grant", errs.ErrUnauthorized, "account grant required")
	}
	return nil
}

func pathUsername(r *http.Request) string {
	return identity.NormalizeUsername(chi.URLParam(r, "username"))
}

// ---- roster and credentials ----

type rosterEntry struct {
	Username   string    `json:"username"`
	IsLocked   bool      `json:"is_locked"`
	FirstLogin bool      `json:"first_login"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *Handler) listRoster(w http.ResponseWriter, r *http.Request) {
	list, err := h.idents.ListPublic(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	out := make([]rosterEntry, 0, len(list))
	for _, id := range list {
		out = append(out, rosterEntry{
			Username:   id.Username,
			IsLocked:   id.IsLocked,
			FirstLogin: id.FirstLogin,
			CreatedAt:  id.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
		Scope    string `json:"scope"`
		ItemID   string `json:"item_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	scope := lockgate.ScopeAccount
	switch in.Scope {
	case "", lockgate.ScopeAccount:
	case "item":
		if in.ItemID == "" {
			writeError(w, h.log, errs.New("api.unlock", errs.ErrInvalidRequest, "item_id required for item scope"))
			return
		}
		scope = lockgate.ItemScope(in.ItemID)
	default:
		writeError(w, h.log, errs.New("api.unlock", errs.ErrInvalidRequest, "unknown scope"))
		return
	}

	grant, err := h.gate.Authorize(r.Context(), pathUsername(r), in.Password, scope)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"grant": grant})
}

func (h *Handler) rotatePassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	username := pathUsername(r)
	if err := h.idents.RotatePassword(r.Context(), username, in.OldPassword, in.NewPassword); err != nil {
		writeError(w, h.log, err)
		return
	}

	h.bus.Publish(notify.ChannelRoster)
	h.bus.Publish(username)
	w.WriteHeader(http.StatusNoContent)
}

// ---- items ----

type itemJSON struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Name           string    `json:"name"`
	Note           string    `json:"note,omitempty"`
	FolderID       string    `json:"folder_id,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	IsLocked       bool      `json:"is_locked"`
	CreatedAt      time.Time `json:"created_at"`
	RemainingDays  int       `json:"remaining_days"`
	RemainingHours int       `json:"remaining_hours"`
	Expired        bool      `json:"expired"`
}

type folderJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	IsLocked bool   `json:"is_locked"`
}

func toItemJSON(v vault.ItemView) itemJSON {
	return itemJSON{
		ID:             v.ID,
		Kind:           string(v.Kind),
		Name:           v.Name,
		Note:           v.Note,
		FolderID:       v.FolderID,
		SizeBytes:      v.SizeBytes,
		IsLocked:       v.IsLocked,
		CreatedAt:      v.CreatedAt,
		RemainingDays:  v.RemainingDays,
		RemainingHours: v.RemainingHours,
		Expired:        v.Expired,
	}
}

func toFolderJSON(f vault.Folder) folderJSON {
	return folderJSON{ID: f.ID, Name: f.Name, ParentID: f.ParentID, IsLocked: f.IsLocked}
}

// listItems serves the directory view. Without an account grant, locked
// items and locked folder subtrees are absent; a locked account hides
// everything.
func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)

	unlocked := h.hasAccountGrant(r, username)

	id, err := h.idents.Get(r.Context(), username)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if id.IsLocked && !unlocked {
		writeError(w, h.log, errs.New("api.listItems", errs.ErrUnauthorized, "account locked"))
		return
	}

	listing, err := h.vaults.List(r.Context(), username, vault.ListOptions{IncludeLocked: unlocked})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	items := make([]itemJSON, 0, len(listing.Items))
	for _, it := range listing.Items {
		items = append(items, toItemJSON(it))
	}
	folders := make([]folderJSON, 0, len(listing.Folders))
	for _, f := range listing.Folders {
		folders = append(folders, toFolderJSON(f))
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "folders": folders})
}

// putItem ingests atomically: a JSON body stores a note, a multipart form
// with a "file" part stores a file.
func (h *Handler) putItem(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		h.putFile(w, r, username)
		return
	}

	var in struct {
		Kind     string `json:"kind"`
		Text     string `json:"text"`
		Label    string `json:"label"`
		FolderID string `json:"folder_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}
	if in.Kind != "" && in.Kind != string(vault.KindNote) {
		writeError(w, h.log, errs.New("api.putItem", errs.ErrInvalidRequest, "files go through multipart or chunked upload"))
		return
	}

	it, err := h.vaults.PutNote(r.Context(), username, in.Label, in.Text, in.FolderID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemJSON(vault.ItemView{Item: it}))
}

func (h *Handler) putFile(w http.ResponseWriter, r *http.Request, username string) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, h.log, errs.New("api.putFile", errs.ErrInvalidRequest, "malformed multipart body"))
		return
	}

	folderID := ""
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, h.log, errs.New("api.putFile", errs.ErrInvalidRequest, "missing file part"))
			return
		}
		if err != nil {
			writeError(w, h.log, errs.New("api.putFile", errs.ErrInvalidRequest, "malformed multipart body"))
			return
		}

		switch part.FormName() {
		case "folder_id":
			raw, rerr := io.ReadAll(io.LimitReader(part, 256))
			if rerr != nil {
				writeError(w, h.log, errs.New("api.putFile", errs.ErrInvalidRequest, "bad folder_id part"))
				return
			}
			folderID = strings.TrimSpace(string(raw))

		case "file":
			it, perr := h.vaults.PutFile(r.Context(), username, part.FileName(), folderID, part)
			if perr != nil {
				writeError(w, h.log, perr)
				return
			}
			writeJSON(w, http.StatusCreated, toItemJSON(vault.ItemView{Item: it}))
			return

		default:
			// Drain unknown parts so the reader can advance.
			_, _ = io.Copy(io.Discard, part)
		}
	}
}

// canReadItem gates metadata and payload reads behind the lock model: a
// locked account needs an account grant, a locked item needs a grant scoped
// to that item.
func (h *Handler) canReadItem(r *http.Request, username string, view vault.ItemView) error {
	const op = "api.canReadItem"

	id, err := h.idents.Get(r.Context(), username)
	if err != nil {
		return err
	}
	if id.IsLocked && !h.hasAccountGrant(r, username) {
		return errs.New(op, errs.ErrUnauthorized, "account locked")
	}
	if view.IsLocked {
		grant := bearerGrant(r)
		if grant == "" || h.gate.Verify(r.Context(), grant, username, lockgate.ItemScope(view.ID)) != nil {
			return errs.New(op, errs.ErrUnauthorized, "item locked")
		}
	}
	return nil
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)

	view, err := h.vaults.GetItem(r.Context(), username, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.canReadItem(r, username, view); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemJSON(view))
}

func (h *Handler) getPayload(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)

	view, err := h.vaults.GetItem(r.Context(), username, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.canReadItem(r, username, view); err != nil {
		writeError(w, h.log, err)
		return
	}

	asOwner := h.hasAccountGrant(r, username)
	it, rc, err := h.vaults.OpenPayload(r.Context(), username, view.ID, asOwner)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	defer func() { _ = rc.Close() }()

	serveItemPayload(w, it, rc)
}

func serveItemPayload(w http.ResponseWriter, it vault.Item, rc io.Reader) {
	if it.Kind == vault.KindNote {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(it.Name, `"`, "")+`"`)
		if it.SizeBytes > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(it.SizeBytes, 10))
		}
	}
	_, _ = io.Copy(w, rc)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	var in struct {
		Name     *string `json:"name"`
		FolderID *string `json:"folder_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	itemID := chi.URLParam(r, "id")
	var (
		it  vault.Item
		err error
	)
	switch {
	case in.Name != nil:
		it, err = h.vaults.RenameItem(r.Context(), username, itemID, *in.Name)
	case in.FolderID != nil:
		it, err = h.vaults.MoveItem(r.Context(), username, itemID, *in.FolderID)
	default:
		writeError(w, h.log, errs.New("api.updateItem", errs.ErrInvalidRequest, "nothing to update"))
		return
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemJSON(vault.ItemView{Item: it}))
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	if err := h.vaults.DeleteItem(r.Context(), username, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// batchItems applies one operation to many items. Deletion skips locked
// items rather than failing the whole batch.
func (h *Handler) batchItems(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	var in struct {
		Op  string   `json:"op"`
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}
	if len(in.IDs) == 0 {
		writeError(w, h.log, errs.New("api.batchItems", errs.ErrInvalidRequest, "ids required"))
		return
	}

	var (
		res vault.BatchResult
		err error
	)
	switch in.Op {
	case "delete":
		res, err = h.vaults.DeleteItems(r.Context(), username, in.IDs)
	case "lock":
		res, err = h.vaults.SetItemsLock(r.Context(), username, in.IDs, true)
	case "unlock":
		res, err = h.vaults.SetItemsLock(r.Context(), username, in.IDs, false)
	default:
		writeError(w, h.log, errs.New("api.batchItems", errs.ErrInvalidRequest, "unknown op"))
		return
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"affected":       res.Affected,
		"skipped_locked": res.SkippedLocked,
		"missing":        res.Missing,
	})
}

func (h *Handler) lockItem(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	var in struct {
		Locked bool `json:"locked"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	if err := h.vaults.SetItemLock(r.Context(), username, chi.URLParam(r, "id"), in.Locked); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- folders ----

func (h *Handler) createFolder(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	var in struct {
		Name     string `json:"name"`
		ParentID string `json:"parent_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	f, err := h.vaults.CreateFolder(r.Context(), username, in.Name, in.ParentID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFolderJSON(f))
}

func (h *Handler) updateFolder(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	var in struct {
		Name     *string `json:"name"`
		ParentID *string `json:"parent_id"`
		Locked   *bool   `json:"locked"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	folderID := chi.URLParam(r, "id")
	var (
		f   vault.Folder
		err error
	)
	switch {
	case in.Name != nil:
		f, err = h.vaults.RenameFolder(r.Context(), username, folderID, *in.Name)
	case in.ParentID != nil:
		f, err = h.vaults.MoveFolder(r.Context(), username, folderID, *in.ParentID)
	case in.Locked != nil:
		err = h.vaults.SetFolderLock(r.Context(), username, folderID, *in.Locked)
		if err == nil {
			f, err = h.vaults.GetFolder(r.Context(), username, folderID)
		}
	default:
		writeError(w, h.log, errs.New("api.updateFolder", errs.ErrInvalidRequest, "nothing to update"))
		return
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toFolderJSON(f))
}

func (h *Handler) deleteFolder(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	if err := h.vaults.DeleteFolder(r.Context(), username, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- chunked uploads ----

type uploadJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Total    int64  `json:"total"`
	Received int64  `json:"received"`
	Offset   int64  `json:"offset"`
	Complete bool   `json:"complete"`
}

func toUploadJSON(s upload.SessionInfo) uploadJSON {
	return uploadJSON{
		ID:       s.ID,
		Name:     s.Name,
		Total:    s.Total,
		Received: s.Received,
		Offset:   s.Offset,
		Complete: s.Complete,
	}
}

func (h *Handler) openUpload(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	var in struct {
		Name     string `json:"name"`
		FolderID string `json:"folder_id"`
		Size     int64  `json:"size"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	info, err := h.uploads.Open(r.Context(), username, in.Name, in.FolderID, in.Size)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	w.Header().Set("Location", "/api/identities/"+username+"/uploads/"+info.ID)
	writeJSON(w, http.StatusCreated, toUploadJSON(info))
}

func (h *Handler) headUpload(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	info, err := h.uploads.Info(r.Context(), username, chi.URLParam(r, "id"))
	if err != nil {
		status, _ := statusFor(err)
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(info.Offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(info.Total, 10))
	w.WriteHeader(http.StatusOK)
}

// patchUpload appends one chunk at the Upload-Offset header position. The
// response that completes the upload carries the stored item; earlier chunks
// answer with session progress.
func (h *Handler) patchUpload(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	offset, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("Upload-Offset")), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, h.log, errs.New("api.patchUpload", errs.ErrInvalidRequest, "missing or bad Upload-Offset"))
		return
	}

	sessionID := chi.URLParam(r, "id")
	info, err := h.uploads.Put(r.Context(), username, sessionID, offset, r.Body)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	if info.Complete {
		it, err := h.uploads.Finalize(r.Context(), username, sessionID)
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		w.Header().Set("Upload-Offset", strconv.FormatInt(info.Total, 10))
		writeJSON(w, http.StatusCreated, toItemJSON(vault.ItemView{Item: it}))
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(info.Offset, 10))
	writeJSON(w, http.StatusOK, toUploadJSON(info))
}

func (h *Handler) abortUpload(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	if err := h.uploads.Abort(r.Context(), username, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- sharing ----

type shareJSON struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) issueShare(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)
	if err := h.requireAccountGrant(r, username); err != nil {
		writeError(w, h.log, err)
		return
	}

	t, err := h.shares.Issue(r.Context(), username, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, shareJSON{
		Token:     t.Value,
		URL:       "/api/share/" + t.Value,
		ExpiresAt: t.ExpiresAt,
	})
}

func (h *Handler) redeemShare(w http.ResponseWriter, r *http.Request) {
	it, rc, err := h.shares.Redeem(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	defer func() { _ = rc.Close() }()

	serveItemPayload(w, it, rc)
}

func (h *Handler) shareInfo(w http.ResponseWriter, r *http.Request) {
	view, err := h.shares.Resolve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":       view.Name,
		"kind":       string(view.Kind),
		"size_bytes": view.SizeBytes,
		"is_locked":  view.IsLocked,
		"expired":    view.Expired,
	})
}

func (h *Handler) revokeShare(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	// The issuer keeps revocation rights for the token's whole lifetime,
	// expired or not.
	owner, err := h.shares.Owner(r.Context(), token)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.requireAccountGrant(r, owner); err != nil {
		writeError(w, h.log, err)
		return
	}

	if err := h.shares.Revoke(r.Context(), token); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- admin ----

func masterKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Master-Key"))
}

type adminIdentityJSON struct {
	Username      string    `json:"username"`
	IsLocked      bool      `json:"is_locked"`
	FirstLogin    bool      `json:"first_login"`
	RetentionDays *int      `json:"retention_days"`
	ShowInList    bool      `json:"show_in_list"`
	CreatedAt     time.Time `json:"created_at"`
}

func toAdminIdentityJSON(id identity.Identity) adminIdentityJSON {
	return adminIdentityJSON{
		Username:      id.Username,
		IsLocked:      id.IsLocked,
		FirstLogin:    id.FirstLogin,
		RetentionDays: id.RetentionDays,
		ShowInList:    id.ShowInList,
		CreatedAt:     id.CreatedAt,
	}
}

func (h *Handler) adminListIdentities(w http.ResponseWriter, r *http.Request) {
	list, err := h.admins.ListIdentities(r.Context(), masterKey(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	out := make([]adminIdentityJSON, 0, len(list))
	for _, id := range list {
		out = append(out, toAdminIdentityJSON(id))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) adminCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	id, err := h.admins.CreateIdentity(r.Context(), masterKey(r), in.Username, in.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.bus.Publish(notify.ChannelRoster)
	writeJSON(w, http.StatusCreated, toAdminIdentityJSON(id))
}

func (h *Handler) adminUpdateIdentity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IsLocked       *bool   `json:"is_locked"`
		FirstLogin     *bool   `json:"first_login"`
		RetentionDays  *int    `json:"retention_days"`
		ClearRetention bool    `json:"clear_retention"`
		ShowInList     *bool   `json:"show_in_list"`
		NewPassword    *string `json:"new_password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}

	username := pathUsername(r)
	key := masterKey(r)

	if in.NewPassword != nil {
		if err := h.admins.ResetPassword(r.Context(), key, username, *in.NewPassword); err != nil {
			writeError(w, h.log, err)
			return
		}
	}

	patch := identity.UpdateInput{
		IsLocked:       in.IsLocked,
		FirstLogin:     in.FirstLogin,
		RetentionDays:  in.RetentionDays,
		ClearRetention: in.ClearRetention,
		ShowInList:     in.ShowInList,
	}
	if err := h.admins.UpdateIdentity(r.Context(), key, username, patch); err != nil {
		writeError(w, h.log, err)
		return
	}

	h.bus.Publish(notify.ChannelRoster)
	h.bus.Publish(username)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	username := pathUsername(r)

	if err := h.admins.DeleteIdentity(r.Context(), masterKey(r), username); err != nil {
		writeError(w, h.log, err)
		return
	}

	h.bus.Publish(notify.ChannelRoster)
	h.bus.Publish(username)
	w.WriteHeader(http.StatusNoContent)
}

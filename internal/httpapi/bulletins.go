package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// ListBulletins returns the public bulletin board, oldest first. The
// optional limit query parameter keeps the newest N.
func (h *handlers) ListBulletins(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromCtx(r.Context())
	views, err := h.svc.ListBulletins(r.Context(), id.Username, queryInt(r, "limit", 0))
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, views)
}

// GetBulletin returns one bulletin by its dense id.
func (h *handlers) GetBulletin(w http.ResponseWriter, r *http.Request) {
	bid, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	id := IdentityFromCtx(r.Context())
	view, err := h.svc.GetBulletin(r.Context(), id.Username, bid)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, view)
}

// PostBulletin publishes a bulletin under the caller's callsign.
func (h *handlers) PostBulletin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id := IdentityFromCtx(r.Context())
	newID, err := h.svc.PostBulletin(r.Context(), id.Username, body.Subject, body.Body)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Created(w, map[string]any{"bulletin_id": newID})
}

// DeleteBulletin removes a bulletin, author-only.
func (h *handlers) DeleteBulletin(w http.ResponseWriter, r *http.Request) {
	bid, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	id := IdentityFromCtx(r.Context())
	if err := h.svc.DeleteBulletin(r.Context(), id.Username, bid); err != nil {
		domainError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// pathInt parses an integer chi URL parameter, answering 400 itself on
// garbage input.
func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		ErrBadRequest(w, "invalid "+name)
		return 0, false
	}
	return n, true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryBool parses an optional boolean query parameter. Presence with
// no value counts as true, matching the radio side's flag vars.
func queryBool(r *http.Request, name string) bool {
	if !r.URL.Query().Has(name) {
		return false
	}
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return b
}

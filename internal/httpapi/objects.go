package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/packetserver-io/packetserver/internal/bbs"
)

// ListObjects returns the objects visible to the caller: their own plus
// everyone's public ones.
func (h *handlers) ListObjects(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromCtx(r.Context())
	views, err := h.svc.ListObjects(r.Context(), id.Username, bbs.ObjectQuery{
		Sort:    r.URL.Query().Get("sort"),
		Reverse: queryBool(r, "reverse"),
		Limit:   queryInt(r, "limit", 0),
		Search:  r.URL.Query().Get("search"),
		Fetch:   queryBool(r, "fetch"),
	})
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, views)
}

// GetObject returns one object; ?fetch includes the data bytes.
func (h *handlers) GetObject(w http.ResponseWriter, r *http.Request) {
	objID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	id := IdentityFromCtx(r.Context())
	view, err := h.svc.GetObject(r.Context(), id.Username, objID, queryBool(r, "fetch"))
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, view)
}

// PostObject stores a new object owned by the caller. Data travels
// base64 in the JSON body.
func (h *handlers) PostObject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Data    string `json:"data"`
		Binary  bool   `json:"binary"`
		Private bool   `json:"private"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		ErrBadRequest(w, "object data must be base64")
		return
	}
	id := IdentityFromCtx(r.Context())
	objID, err := h.svc.PostObject(r.Context(), id.Username, body.Name, data, body.Binary, body.Private)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Created(w, map[string]any{"uuid": objID.String()})
}

// UpdateObject renames or rewrites an object, owner-only. A present but
// empty data field truncates the object.
func (h *handlers) UpdateObject(w http.ResponseWriter, r *http.Request) {
	objID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var body struct {
		Name *string `json:"name"`
		Data *string `json:"data"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	patch := bbs.ObjectPatch{Name: body.Name}
	if body.Data != nil {
		data, err := base64.StdEncoding.DecodeString(*body.Data)
		if err != nil {
			ErrBadRequest(w, "object data must be base64")
			return
		}
		if data == nil {
			data = []byte{}
		}
		patch.Data = data
	}
	id := IdentityFromCtx(r.Context())
	view, err := h.svc.UpdateObject(r.Context(), id.Username, objID, patch)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, view)
}

// DeleteObject removes an object, owner-only.
func (h *handlers) DeleteObject(w http.ResponseWriter, r *http.Request) {
	objID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	id := IdentityFromCtx(r.Context())
	if err := h.svc.DeleteObject(r.Context(), id.Username, objID); err != nil {
		domainError(w, h.logger, err)
		return
	}
	NoContent(w)
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		ErrBadRequest(w, "invalid uuid")
		return uuid.Nil, false
	}
	return id, true
}

package httpapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/packetserver-io/packetserver/internal/bbs"
)

// ListMessages returns the caller's mailbox. Query parameters mirror
// the radio-side vars: source, since, sort, reverse, search, limit,
// fetch_text, fetch_attachments.
func (h *handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromCtx(r.Context())

	q := bbs.MessageQuery{
		Source:           r.URL.Query().Get("source"),
		Limit:            queryInt(r, "limit", 0),
		Sort:             r.URL.Query().Get("sort"),
		Reverse:          queryBool(r, "reverse"),
		Search:           r.URL.Query().Get("search"),
		FetchText:        true,
		FetchAttachments: queryBool(r, "fetch_attachments"),
	}
	if r.URL.Query().Has("fetch_text") {
		q.FetchText = queryBool(r, "fetch_text")
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			ErrBadRequest(w, "invalid since: "+err.Error())
			return
		}
		q.Since = &since
	}

	views, err := h.svc.GetMessages(r.Context(), id.Username, q)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Ok(w, views)
}

// GetMessage returns one message by its global uuid.
func (h *handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	msgID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		ErrBadRequest(w, "invalid message uuid")
		return
	}
	id := IdentityFromCtx(r.Context())
	views, err := h.svc.GetMessages(r.Context(), id.Username, bbs.MessageQuery{
		ID:               &msgID,
		FetchText:        true,
		FetchAttachments: queryBool(r, "fetch_attachments"),
	})
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	if len(views) == 0 {
		ErrNotFound(w)
		return
	}
	Ok(w, views[0])
}

// SendMessage delivers a message to one or more callsigns. Attachment
// data travels base64 in the JSON body; an attachment may instead name
// a stored object by uuid.
func (h *handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text        string   `json:"text"`
		To          []string `json:"to"`
		Attachments []struct {
			Name       string `json:"name"`
			Data       string `json:"data"`
			Binary     bool   `json:"binary"`
			ObjectUUID string `json:"object_uuid"`
		} `json:"attachments"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	var attachments []bbs.AttachmentInput
	for _, att := range body.Attachments {
		input := bbs.AttachmentInput{Name: att.Name, Binary: att.Binary}
		if att.ObjectUUID != "" {
			objID, err := uuid.Parse(att.ObjectUUID)
			if err != nil {
				ErrBadRequest(w, "invalid attachment object uuid")
				return
			}
			input.ObjectUUID = &objID
		} else {
			data, err := base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				ErrBadRequest(w, "attachment data must be base64")
				return
			}
			input.Data = data
		}
		attachments = append(attachments, input)
	}

	id := IdentityFromCtx(r.Context())
	result, err := h.svc.SendMessage(r.Context(), id.Username, body.Text, body.To, attachments)
	if err != nil {
		domainError(w, h.logger, err)
		return
	}
	Created(w, map[string]any{
		"successes": result.Successes,
		"failed":    result.Failed,
		"msg_id":    result.MsgID.String(),
	})
}

// parseSince accepts RFC 3339 or the radio side's digit form
// (yyyymmddHHMMSS, truncations allowed).
func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return bbs.ParseDateDigits(raw)
}

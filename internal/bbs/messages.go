package bbs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/callsign"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// BroadcastRecipient is the sentinel address meaning "every enabled,
// non-hidden user".
const BroadcastRecipient = "ALL"

// AttachmentInput is one attachment of an outbound message. Either Data is
// set directly, or ObjectUUID names an object whose bytes are snapshotted
// at send time.
type AttachmentInput struct {
	Name       string
	Data       []byte
	Binary     bool
	ObjectUUID *uuid.UUID
}

// SendResult reports the fan-out of one send: Successes counts the copies
// persisted (recipient deliveries plus the sender's sent-copy), Failed
// lists the recipients that could not be delivered to.
type SendResult struct {
	Successes int
	Failed    []string
	MsgID     uuid.UUID
}

// SendMessage delivers text and attachments to the named recipients: one
// independent copy per recipient mailbox plus a sent-copy in the caller's
// mailbox, all sharing one freshly allocated global message uuid, all
// inside one transaction.
func (s *Service) SendMessage(ctx context.Context, caller, text string, to []string, attachments []AttachmentInput) (*SendResult, error) {
	if len(to) == 0 {
		return nil, invalid("message needs at least one recipient")
	}
	for _, att := range attachments {
		if att.Name == "" {
			return nil, invalid("attachment name is required")
		}
		if len(att.Name) > maxNameLen {
			return nil, invalid("attachment name exceeds %d characters", maxNameLen)
		}
	}

	result := &SendResult{Failed: []string{}}
	var delivered []string
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		sender, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}

		users := repositories.NewUserRepository(tx)
		msgs := repositories.NewMessageRepository(tx)

		// Resolve the recipient set. ALL expands to the broadcast audience;
		// unknown or disabled callsigns are reported, not fatal.
		recipients := make([]string, 0, len(to))
		seen := make(map[string]bool)
		addRecipient := func(call string) {
			if !seen[call] {
				seen[call] = true
				recipients = append(recipients, call)
			}
		}
		broadcast := false
		for _, raw := range to {
			base := callsign.Base(raw)
			if base == BroadcastRecipient {
				broadcast = true
				audience, err := users.ListEnabledVisible(ctx)
				if err != nil {
					return err
				}
				for i := range audience {
					if audience[i].Callsign != sender.Callsign {
						addRecipient(audience[i].Callsign)
					}
				}
				continue
			}
			target, err := users.GetByCallsign(ctx, base)
			if errors.Is(err, repositories.ErrNotFound) || (err == nil && !target.Enabled) {
				result.Failed = append(result.Failed, base)
				continue
			}
			if err != nil {
				return err
			}
			addRecipient(target.Callsign)
		}
		if len(recipients) == 0 && !broadcast {
			return invalid("no deliverable recipients")
		}

		// Snapshot attachments: object references collapse to plain bytes
		// now, so later object edits never alter delivered mail.
		resolved, err := s.resolveAttachments(ctx, tx, sender, attachments)
		if err != nil {
			return err
		}

		msgUUID, err := msgs.AllocateUUID(ctx)
		if err != nil {
			return err
		}
		result.MsgID = msgUUID

		now := time.Now().UTC()
		recordedTo := to
		if broadcast {
			recordedTo = []string{BroadcastRecipient}
		}

		newCopy := func(mailbox string, sentCopy, delivered bool) *db.Message {
			return &db.Message{
				CopyID:     newUUID(),
				MsgUUID:    msgUUID,
				Mailbox:    mailbox,
				Sender:     sender.Callsign,
				Recipients: normalizeRecipients(recordedTo),
				Text:       text,
				SentAt:     now,
				Delivered:  delivered,
				SentCopy:   sentCopy,
			}
		}

		for _, rcpt := range recipients {
			if err := msgs.CreateCopy(ctx, newCopy(rcpt, false, true), cloneAttachments(resolved)); err != nil {
				return err
			}
			result.Successes++
		}

		// The sender always keeps a sent-folder record of the attempt.
		sent := newCopy(sender.Callsign, true, len(recipients) > 0)
		if err := msgs.CreateCopy(ctx, sent, cloneAttachments(resolved)); err != nil {
			return err
		}
		result.Successes++

		delivered = recipients
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.MessageDelivered(result.MsgID.String(), callsign.Base(caller), delivered)
	return result, nil
}

// resolveAttachments turns every AttachmentInput into a stored attachment,
// reading object-backed ones from the store. Private objects are only
// attachable by their owner.
func (s *Service) resolveAttachments(ctx context.Context, tx *gorm.DB, sender *db.User, inputs []AttachmentInput) ([]db.Attachment, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	objects := repositories.NewObjectRepository(tx)

	out := make([]db.Attachment, 0, len(inputs))
	for _, in := range inputs {
		att := db.Attachment{
			Name:   truncate(in.Name, maxNameLen),
			Binary: in.Binary,
			Data:   in.Data,
		}
		if in.ObjectUUID != nil {
			obj, err := objects.GetByUUID(ctx, *in.ObjectUUID)
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, invalid("attachment object %s not found", in.ObjectUUID)
			}
			if err != nil {
				return nil, err
			}
			if obj.Private && obj.OwnerUUID != sender.UUID {
				return nil, ErrForbidden
			}
			att.Data = obj.Data
			att.Binary = obj.Binary
			if att.Name == "" {
				att.Name = obj.Name
			}
		}
		att.Size = int64(len(att.Data))
		out = append(out, att)
	}
	return out, nil
}

// cloneAttachments copies the slice so each mailbox copy owns independent
// rows.
func cloneAttachments(atts []db.Attachment) []db.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]db.Attachment, len(atts))
	copy(out, atts)
	return out
}

// normalizeRecipients uppercases the recorded recipient tuple.
func normalizeRecipients(to []string) db.StringList {
	out := make(db.StringList, 0, len(to))
	for _, r := range to {
		out = append(out, callsign.Base(r))
	}
	return out
}

// Message list filters.
const (
	SourceReceived = "received"
	SourceSent     = "sent"
	SourceAll      = "all"

	SortDate = "date"
	SortFrom = "from"
	SortTo   = "to"
)

// MessageQuery selects and shapes a mailbox read. The zero value returns
// the full mailbox, text included, attachments omitted, oldest first.
type MessageQuery struct {
	// ID selects a single message by its global uuid.
	ID *uuid.UUID

	// Since keeps messages sent at or after the given time.
	Since *time.Time

	Source  string // received | sent | all (default all)
	Limit   int
	Sort    string // date | from | to (default date)
	Reverse bool
	Search  string

	FetchText        bool
	FetchAttachments bool
}

// messageView renders one mailbox copy.
func (s *Service) messageView(ctx context.Context, msgs repositories.MessageRepository, m *db.Message, q MessageQuery) (map[string]any, error) {
	source := SourceReceived
	if m.SentCopy {
		source = SourceSent
	}
	view := map[string]any{
		"id":        m.MsgUUID.String(),
		"from":      m.Sender,
		"to":        []string(m.Recipients),
		"sent_at":   formatTime(m.SentAt),
		"retrieved": m.Retrieved,
		"delivered": m.Delivered,
		"source":    source,
	}
	if q.FetchText {
		view["text"] = m.Text
	}

	atts, err := msgs.Attachments(ctx, m.CopyID)
	if err != nil {
		return nil, err
	}
	view["attachment_count"] = len(atts)
	if q.FetchAttachments {
		list := make([]map[string]any, 0, len(atts))
		for _, a := range atts {
			list = append(list, map[string]any{
				"name":   a.Name,
				"binary": a.Binary,
				"data":   a.Data,
				"size":   a.Size,
			})
		}
		view["attachments"] = list
	}
	return view, nil
}

// GetMessages reads the caller's mailbox. Returned messages are marked
// retrieved inside the same transaction.
func (s *Service) GetMessages(ctx context.Context, caller string, q MessageQuery) ([]map[string]any, error) {
	var views []map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}
		msgs := repositories.NewMessageRepository(tx)

		var selected []db.Message
		if q.ID != nil {
			copyRec, err := msgs.GetCopy(ctx, user.Callsign, *q.ID)
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			selected = []db.Message{*copyRec}
		} else {
			all, err := msgs.ListMailbox(ctx, user.Callsign)
			if err != nil {
				return err
			}
			selected = filterMessages(all, q)
		}

		views = make([]map[string]any, 0, len(selected))
		retrieved := make([]uuid.UUID, 0, len(selected))
		for i := range selected {
			view, err := s.messageView(ctx, msgs, &selected[i], q)
			if err != nil {
				return err
			}
			views = append(views, view)
			if !selected[i].Retrieved {
				retrieved = append(retrieved, selected[i].CopyID)
			}
		}
		return msgs.MarkRetrieved(ctx, retrieved)
	})
	return views, err
}

// filterMessages applies source, since, search, sort, reverse and limit to
// a mailbox. Mailboxes are small on a packet link, so this runs in memory
// rather than in SQL.
func filterMessages(all []db.Message, q MessageQuery) []db.Message {
	source := q.Source
	if source == "" {
		source = SourceAll
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))

	out := make([]db.Message, 0, len(all))
	for _, m := range all {
		switch source {
		case SourceReceived:
			if m.SentCopy {
				continue
			}
		case SourceSent:
			if !m.SentCopy {
				continue
			}
		}
		if q.Since != nil && m.SentAt.Before(*q.Since) {
			continue
		}
		if search != "" && !messageMatches(&m, search) {
			continue
		}
		out = append(out, m)
	}

	switch q.Sort {
	case SortFrom:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	case SortTo:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.Join(out[i].Recipients, ",") < strings.Join(out[j].Recipients, ",")
		})
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	}
	if q.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// messageMatches reports a case-insensitive substring hit in the text, the
// sender, or the recipient string.
func messageMatches(m *db.Message, search string) bool {
	if strings.Contains(strings.ToLower(m.Text), search) {
		return true
	}
	if strings.Contains(strings.ToLower(m.Sender), search) {
		return true
	}
	return strings.Contains(strings.ToLower(strings.Join(m.Recipients, ",")), search)
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// gormMessageRepository is the GORM implementation of MessageRepository.
type gormMessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a MessageRepository backed by the provided
// handle.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// AllocateUUID draws a fresh message uuid and records it in the global set.
// The insert into message_uuids is what makes the uuid globally unique: a
// collision (vanishingly unlikely with v4, but the table is the source of
// truth, not the generator) is retried with a new draw.
func (r *gormMessageRepository) AllocateUUID(ctx context.Context) (uuid.UUID, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.New()
		err := r.db.WithContext(ctx).Create(&db.MessageUUID{
			UUID:      id,
			CreatedAt: time.Now().UTC(),
		}).Error
		if err == nil {
			return id, nil
		}
		if !isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("messages: allocate uuid: %w", err)
		}
	}
	return uuid.Nil, fmt.Errorf("messages: allocate uuid: %w", ErrConflict)
}

// UUIDExists reports whether a message uuid is in the global set.
func (r *gormMessageRepository) UUIDExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.MessageUUID{}).
		Where("uuid = ?", id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("messages: uuid exists: %w", err)
	}
	return count > 0, nil
}

// CreateCopy inserts one mailbox copy and its attachments.
func (r *gormMessageRepository) CreateCopy(ctx context.Context, msg *db.Message, attachments []db.Attachment) error {
	msg.Mailbox = strings.ToUpper(msg.Mailbox)
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("messages: create copy: %w", err)
	}
	for i := range attachments {
		attachments[i].MessageID = msg.CopyID
		attachments[i].Seq = i
	}
	if len(attachments) > 0 {
		if err := r.db.WithContext(ctx).Create(&attachments).Error; err != nil {
			return fmt.Errorf("messages: create attachments: %w", err)
		}
	}
	return nil
}

// GetCopy fetches the copy of a message in one mailbox.
func (r *gormMessageRepository) GetCopy(ctx context.Context, mailbox string, msgUUID uuid.UUID) (*db.Message, error) {
	var msg db.Message
	err := r.db.WithContext(ctx).
		First(&msg, "mailbox = ? AND msg_uuid = ?", strings.ToUpper(mailbox), msgUUID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("messages: get copy: %w", err)
	}
	return &msg, nil
}

// ListMailbox returns every copy in a mailbox ordered by sent_at ascending.
func (r *gormMessageRepository) ListMailbox(ctx context.Context, mailbox string) ([]db.Message, error) {
	var msgs []db.Message
	err := r.db.WithContext(ctx).
		Where("mailbox = ?", strings.ToUpper(mailbox)).
		Order("sent_at ASC, copy_id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("messages: list mailbox: %w", err)
	}
	return msgs, nil
}

// Attachments returns the attachments of one copy in order.
func (r *gormMessageRepository) Attachments(ctx context.Context, copyID uuid.UUID) ([]db.Attachment, error) {
	var atts []db.Attachment
	err := r.db.WithContext(ctx).
		Where("message_id = ?", copyID).
		Order("seq ASC").
		Find(&atts).Error
	if err != nil {
		return nil, fmt.Errorf("messages: attachments: %w", err)
	}
	return atts, nil
}

// MarkRetrieved flips the retrieved flag on the given copies.
func (r *gormMessageRepository) MarkRetrieved(ctx context.Context, copyIDs []uuid.UUID) error {
	if len(copyIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("copy_id IN ?", copyIDs).
		Update("retrieved", true).Error
	if err != nil {
		return fmt.Errorf("messages: mark retrieved: %w", err)
	}
	return nil
}

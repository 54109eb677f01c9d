package bbs

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
)

// BulletinView renders a bulletin for payload dicts.
func BulletinView(b *db.Bulletin) map[string]any {
	return map[string]any{
		"id":         b.ID,
		"author":     b.Author,
		"subject":    b.Subject,
		"body":       b.Body,
		"created_at": formatTime(b.CreatedAt),
		"updated_at": formatTime(b.UpdatedAt),
	}
}

// PostBulletin creates a bulletin, drawing its dense id from the bulletin
// counter inside the same transaction.
func (s *Service) PostBulletin(ctx context.Context, caller, subject, body string) (int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return 0, invalid("bulletin subject is required")
	}

	var id int64
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}

		id, err = repositories.NewCounterRepository(tx).Next(ctx, db.CounterBulletins)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		return repositories.NewBulletinRepository(tx).Create(ctx, &db.Bulletin{
			ID:        id,
			Author:    user.Callsign,
			Subject:   subject,
			Body:      body,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return 0, err
	}

	s.events.BulletinPosted(id, caller, subject)
	return id, nil
}

// ListBulletins returns recent bulletins newest-first by updated_at.
func (s *Service) ListBulletins(ctx context.Context, caller string, limit int) ([]map[string]any, error) {
	var views []map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := requireEnabledUser(ctx, tx, caller); err != nil {
			return err
		}
		bulletins, err := repositories.NewBulletinRepository(tx).ListRecent(ctx, limit)
		if err != nil {
			return err
		}
		views = make([]map[string]any, 0, len(bulletins))
		for i := range bulletins {
			views = append(views, BulletinView(&bulletins[i]))
		}
		return nil
	})
	return views, err
}

// GetBulletin returns one bulletin by id.
func (s *Service) GetBulletin(ctx context.Context, caller string, id int64) (map[string]any, error) {
	var view map[string]any
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := requireEnabledUser(ctx, tx, caller); err != nil {
			return err
		}
		bulletin, err := repositories.NewBulletinRepository(tx).GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		view = BulletinView(bulletin)
		return nil
	})
	return view, err
}

// DeleteBulletin removes a bulletin if the caller is its author.
func (s *Service) DeleteBulletin(ctx context.Context, caller string, id int64) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		user, err := requireEnabledUser(ctx, tx, caller)
		if err != nil {
			return err
		}

		repo := repositories.NewBulletinRepository(tx)
		bulletin, err := repo.GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if bulletin.Author != user.Callsign {
			return ErrForbidden
		}
		return repo.Delete(ctx, id)
	})
}

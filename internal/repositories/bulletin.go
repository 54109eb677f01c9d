package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// gormBulletinRepository is the GORM implementation of BulletinRepository.
type gormBulletinRepository struct {
	db *gorm.DB
}

// NewBulletinRepository returns a BulletinRepository backed by the provided
// handle.
func NewBulletinRepository(db *gorm.DB) BulletinRepository {
	return &gormBulletinRepository{db: db}
}

// Create inserts a new bulletin record.
func (r *gormBulletinRepository) Create(ctx context.Context, bulletin *db.Bulletin) error {
	if err := r.db.WithContext(ctx).Create(bulletin).Error; err != nil {
		return fmt.Errorf("bulletins: create: %w", err)
	}
	return nil
}

// GetByID retrieves a bulletin by id.
// Returns ErrNotFound if no record exists.
func (r *gormBulletinRepository) GetByID(ctx context.Context, id int64) (*db.Bulletin, error) {
	var bulletin db.Bulletin
	err := r.db.WithContext(ctx).First(&bulletin, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bulletins: get by id: %w", err)
	}
	return &bulletin, nil
}

// ListRecent returns bulletins newest-first by updated_at.
func (r *gormBulletinRepository) ListRecent(ctx context.Context, limit int) ([]db.Bulletin, error) {
	var bulletins []db.Bulletin
	q := r.db.WithContext(ctx).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&bulletins).Error; err != nil {
		return nil, fmt.Errorf("bulletins: list recent: %w", err)
	}
	return bulletins, nil
}

// Update persists all fields of an existing bulletin record.
func (r *gormBulletinRepository) Update(ctx context.Context, bulletin *db.Bulletin) error {
	result := r.db.WithContext(ctx).Save(bulletin)
	if result.Error != nil {
		return fmt.Errorf("bulletins: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a bulletin record. The counter never hands its id out
// again.
func (r *gormBulletinRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Bulletin{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("bulletins: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

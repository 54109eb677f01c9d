package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// gormObjectRepository is the GORM implementation of ObjectRepository.
type gormObjectRepository struct {
	db *gorm.DB
}

// NewObjectRepository returns an ObjectRepository backed by the provided
// handle.
func NewObjectRepository(db *gorm.DB) ObjectRepository {
	return &gormObjectRepository{db: db}
}

// Create inserts a new object record.
func (r *gormObjectRepository) Create(ctx context.Context, obj *db.Object) error {
	if err := r.db.WithContext(ctx).Create(obj).Error; err != nil {
		return fmt.Errorf("objects: create: %w", err)
	}
	return nil
}

// GetByUUID retrieves an object by uuid.
// Returns ErrNotFound if no record exists.
func (r *gormObjectRepository) GetByUUID(ctx context.Context, id uuid.UUID) (*db.Object, error) {
	var obj db.Object
	err := r.db.WithContext(ctx).First(&obj, "uuid = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objects: get by uuid: %w", err)
	}
	return &obj, nil
}

// ListByOwner returns an owner's objects ordered by creation time.
func (r *gormObjectRepository) ListByOwner(ctx context.Context, owner uuid.UUID) ([]db.Object, error) {
	var objs []db.Object
	err := r.db.WithContext(ctx).
		Where("owner_uuid = ?", owner).
		Order("created_at ASC, uuid ASC").
		Find(&objs).Error
	if err != nil {
		return nil, fmt.Errorf("objects: list by owner: %w", err)
	}
	return objs, nil
}

// Update persists all fields of an existing object record.
func (r *gormObjectRepository) Update(ctx context.Context, obj *db.Object) error {
	result := r.db.WithContext(ctx).Save(obj)
	if result.Error != nil {
		return fmt.Errorf("objects: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an object record.
func (r *gormObjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Object{}, "uuid = ?", id)
	if result.Error != nil {
		return fmt.Errorf("objects: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

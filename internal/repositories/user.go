package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided handle.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// Create inserts a new user record.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByCallsign retrieves a user by uppercase base callsign.
// Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByCallsign(ctx context.Context, callsign string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "callsign = ?", strings.ToUpper(callsign)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by callsign: %w", err)
	}
	return &user, nil
}

// GetByUUID retrieves a user by its stable uuid.
func (r *gormUserRepository) GetByUUID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "uuid = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by uuid: %w", err)
	}
	return &user, nil
}

// ListVisible returns non-hidden users ordered by callsign.
func (r *gormUserRepository) ListVisible(ctx context.Context, limit int) ([]db.User, error) {
	var users []db.User
	q := r.db.WithContext(ctx).
		Where("hidden = ?", false).
		Order("callsign ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("users: list visible: %w", err)
	}
	return users, nil
}

// ListEnabledVisible returns the broadcast audience.
func (r *gormUserRepository) ListEnabledVisible(ctx context.Context) ([]db.User, error) {
	var users []db.User
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND hidden = ?", true, false).
		Order("callsign ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("users: list enabled visible: %w", err)
	}
	return users, nil
}

// ListAll returns every user, hidden ones included.
func (r *gormUserRepository) ListAll(ctx context.Context) ([]db.User, error) {
	var users []db.User
	if err := r.db.WithContext(ctx).Order("callsign ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("users: list all: %w", err)
	}
	return users, nil
}

// Update persists all fields of an existing user record.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // SQLite
		strings.Contains(msg, "SQLSTATE 23505") // PostgreSQL
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// gormHTTPUserRepository is the GORM implementation of HTTPUserRepository.
type gormHTTPUserRepository struct {
	db *gorm.DB
}

// NewHTTPUserRepository returns an HTTPUserRepository backed by the
// provided handle.
func NewHTTPUserRepository(db *gorm.DB) HTTPUserRepository {
	return &gormHTTPUserRepository{db: db}
}

// Create inserts a new HTTP user record.
func (r *gormHTTPUserRepository) Create(ctx context.Context, user *db.HTTPUser) error {
	user.Username = strings.ToUpper(user.Username)
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("httpusers: create: %w", err)
	}
	return nil
}

// Get retrieves an HTTP user by uppercase username.
// Returns ErrNotFound if no record exists.
func (r *gormHTTPUserRepository) Get(ctx context.Context, username string) (*db.HTTPUser, error) {
	var user db.HTTPUser
	err := r.db.WithContext(ctx).First(&user, "username = ?", strings.ToUpper(username)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("httpusers: get: %w", err)
	}
	return &user, nil
}

// List returns all HTTP users ordered by username.
func (r *gormHTTPUserRepository) List(ctx context.Context) ([]db.HTTPUser, error) {
	var users []db.HTTPUser
	if err := r.db.WithContext(ctx).Order("username ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("httpusers: list: %w", err)
	}
	return users, nil
}

// Update persists all fields of an existing HTTP user record.
func (r *gormHTTPUserRepository) Update(ctx context.Context, user *db.HTTPUser) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("httpusers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an HTTP user record.
func (r *gormHTTPUserRepository) Delete(ctx context.Context, username string) error {
	result := r.db.WithContext(ctx).Delete(&db.HTTPUser{}, "username = ?", strings.ToUpper(username))
	if result.Error != nil {
		return fmt.Errorf("httpusers: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

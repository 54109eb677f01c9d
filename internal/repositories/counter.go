package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// gormCounterRepository is the GORM implementation of CounterRepository.
type gormCounterRepository struct {
	db *gorm.DB
}

// NewCounterRepository returns a CounterRepository backed by the provided
// handle. Construct it over the transaction handle: an id allocation must
// commit or abort together with the record that uses it.
func NewCounterRepository(db *gorm.DB) CounterRepository {
	return &gormCounterRepository{db: db}
}

// Next returns the counter's current value and advances it by one. The
// first call for a name returns 0. Deleting records never rewinds a
// counter, so ids are dense at allocation and never reused.
func (r *gormCounterRepository) Next(ctx context.Context, name string) (int64, error) {
	var counter db.Counter
	err := r.db.WithContext(ctx).First(&counter, "name = ?", name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		counter = db.Counter{Name: name, NextValue: 1}
		if err := r.db.WithContext(ctx).Create(&counter).Error; err != nil {
			return 0, fmt.Errorf("counters: create %s: %w", name, err)
		}
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("counters: get %s: %w", name, err)
	}

	value := counter.NextValue
	counter.NextValue++
	if err := r.db.WithContext(ctx).Save(&counter).Error; err != nil {
		return 0, fmt.Errorf("counters: advance %s: %w", name, err)
	}
	return value, nil
}

package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided handle.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a job record and its input files.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job, files []db.JobFile) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	for i := range files {
		files[i].JobID = job.ID
		files[i].Seq = i
	}
	if len(files) > 0 {
		if err := r.db.WithContext(ctx).Create(&files).Error; err != nil {
			return fmt.Errorf("jobs: create files: %w", err)
		}
	}
	return nil
}

// GetByID retrieves a job by id.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id int64) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// ListByOwner returns a user's jobs ordered by id descending.
func (r *gormJobRepository) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]db.Job, error) {
	var jobs []db.Job
	q := r.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("id DESC").
		Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by owner: %w", err)
	}
	return jobs, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Files returns a job's input files in order.
func (r *gormJobRepository) Files(ctx context.Context, jobID int64) ([]db.JobFile, error) {
	var files []db.JobFile
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: files: %w", err)
	}
	return files, nil
}

// Enqueue appends a job id to the dispatch queue. Position is max+1 under
// the enqueueing transaction — the store's single writer keeps that dense
// enough and strictly increasing, which is all FIFO needs.
func (r *gormJobRepository) Enqueue(ctx context.Context, jobID int64) error {
	var maxPos int64
	err := r.db.WithContext(ctx).
		Model(&db.QueueEntry{}).
		Select("COALESCE(MAX(position), 0)").
		Scan(&maxPos).Error
	if err != nil {
		return fmt.Errorf("jobs: enqueue position: %w", err)
	}
	entry := db.QueueEntry{Position: maxPos + 1, JobID: jobID}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: enqueue: %w", err)
	}
	return nil
}

// QueueHead returns the oldest queued job id.
func (r *gormJobRepository) QueueHead(ctx context.Context) (int64, error) {
	var entry db.QueueEntry
	err := r.db.WithContext(ctx).Order("position ASC").First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("jobs: queue head: %w", err)
	}
	return entry.JobID, nil
}

// QueueRemove drops a job id from the queue. Absent ids are ignored so the
// worker can remove unconditionally after a successful dispatch.
func (r *gormJobRepository) QueueRemove(ctx context.Context, jobID int64) error {
	err := r.db.WithContext(ctx).Delete(&db.QueueEntry{}, "job_id = ?", jobID).Error
	if err != nil {
		return fmt.Errorf("jobs: queue remove: %w", err)
	}
	return nil
}

// QueueJobIDs returns every queued job id in FIFO order.
func (r *gormJobRepository) QueueJobIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&db.QueueEntry{}).
		Order("position ASC").
		Pluck("job_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: queue job ids: %w", err)
	}
	return ids, nil
}

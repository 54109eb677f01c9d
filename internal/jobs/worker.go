// Package jobs drives the dispatch queue. A single worker hands queued
// jobs to the orchestrator and commits finished runner results back to
// the store; it is the only component that moves a job out of QUEUED.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/metrics"
	"github.com/packetserver-io/packetserver/internal/repositories"
	"github.com/packetserver-io/packetserver/internal/runner"
)

const (
	// beatInterval is the worker's base cadence. Finished runners are
	// reconciled every beat; the queue is consulted on the dynamic
	// interval below.
	beatInterval = 500 * time.Millisecond

	// defaultCheckInterval applies when the link is quiet or a plain
	// request arrives.
	defaultCheckInterval = 60 * time.Second

	// quickCheckInterval applies while a quick-mode request is waiting,
	// with one extra tick shortly after the quick window closes.
	quickCheckInterval = 8 * time.Second
	quickWindow        = 30 * time.Second
	quickFinalDelay    = 5 * time.Second
)

// Worker owns the queue-to-runner handoff.
type Worker struct {
	svc    *bbs.Service
	orch   *runner.Orchestrator
	logger *zap.Logger

	scheduler gocron.Scheduler

	mu        sync.Mutex
	interval  time.Duration
	nextCheck time.Time
	finalTick time.Time // zero when unarmed
}

// NewWorker builds a worker over the service's store and the given
// orchestrator. The first queue consult happens on the first beat, so
// jobs left queued by a previous run drain right after startup.
func NewWorker(svc *bbs.Service, orch *runner.Orchestrator, logger *zap.Logger) *Worker {
	return &Worker{
		svc:       svc,
		orch:      orch,
		logger:    logger.Named("jobworker"),
		interval:  defaultCheckInterval,
		nextCheck: time.Now(),
	}
}

// Start begins the beat loop.
func (w *Worker) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("jobs: scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(beatInterval),
		gocron.NewTask(w.beat),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("jobs: schedule beat: %w", err)
	}
	w.scheduler = scheduler
	scheduler.Start()
	w.logger.Info("job worker started")
	return nil
}

// Stop halts the beat loop. Runners already dispatched keep going under
// the orchestrator.
func (w *Worker) Stop() {
	if w.scheduler == nil {
		return
	}
	if err := w.scheduler.Shutdown(); err != nil {
		w.logger.Warn("scheduler shutdown", zap.Error(err))
	}
	w.logger.Info("job worker stopped")
}

// RequestSeen re-arms the queue check on every decoded request. A
// quick-mode request tightens the interval so the submitting connection
// sees its job dispatched within its synchronous wait, and leaves one
// final tick behind for jobs that finish right at the window's edge.
func (w *Worker) RequestSeen(quick bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.interval = defaultCheckInterval
	w.nextCheck = now
	if quick {
		w.interval = quickCheckInterval
		w.finalTick = now.Add(quickWindow + quickFinalDelay)
	}
}

// beat runs once per base cadence.
func (w *Worker) beat() {
	ctx := context.Background()
	w.reconcile(ctx)
	if w.checkDue() {
		w.dispatch(ctx)
	}
}

// checkDue reports whether the queue should be consulted this beat and
// advances the schedule.
func (w *Worker) checkDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()

	due := false
	if !now.Before(w.nextCheck) {
		due = true
		w.nextCheck = now.Add(w.interval)
	}
	if !w.finalTick.IsZero() && !now.Before(w.finalTick) {
		due = true
		w.finalTick = time.Time{}
		w.interval = defaultCheckInterval
	}
	return due
}

// dispatch pops queue heads into runners while the orchestrator has free
// slots.
func (w *Worker) dispatch(ctx context.Context) {
	defer w.observeQueueDepth(ctx)
	for w.orch.Available() {
		more, err := w.dispatchOne(ctx)
		if err != nil {
			w.logger.Error("queue dispatch failed", zap.Error(err))
			return
		}
		if !more {
			return
		}
	}
}

// observeQueueDepth refreshes the queue gauge after a consult.
func (w *Worker) observeQueueDepth(ctx context.Context) {
	err := w.svc.Store().Transaction(ctx, func(tx *gorm.DB) error {
		ids, err := repositories.NewJobRepository(tx).QueueJobIDs(ctx)
		if err != nil {
			return err
		}
		metrics.QueueDepth.Set(float64(len(ids)))
		return nil
	})
	if err != nil {
		w.logger.Warn("queue depth observation failed", zap.Error(err))
	}
}

// dispatchOne moves the queue head into a runner. It reports whether the
// loop should try for another. A runner-creation failure leaves the job
// queued for the next tick.
func (w *Worker) dispatchOne(ctx context.Context) (bool, error) {
	store := w.svc.Store()

	var (
		job   *db.Job
		files []db.JobFile
	)
	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := repositories.NewJobRepository(tx)
		id, err := repo.QueueHead(ctx)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		job, err = repo.GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			// Dangling queue entry; drop it and let the loop move on.
			job = nil
			return repo.QueueRemove(ctx, id)
		}
		if err != nil {
			return err
		}
		files, err = repo.Files(ctx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	argv, shell, err := bbs.DecodeCommand(job.CmdJSON)
	if err != nil {
		w.logger.Warn("job has undecodable command", zap.Int64("job_id", job.ID), zap.Error(err))
		return true, w.failJob(ctx, job, err)
	}

	input := runner.JobInput{
		ID:    job.ID,
		Owner: job.Owner,
		Argv:  argv,
		Shell: shell,
		Env:   map[string]string(job.Env),
	}
	for _, f := range files {
		input.Files = append(input.Files, runner.JobFile{Name: f.Name, Data: f.Data, RootOwned: f.RootOwned})
	}

	if _, err := w.orch.NewRunner(input); err != nil {
		if !errors.Is(err, runner.ErrNotAccepting) {
			w.logger.Warn("runner creation failed, job stays queued",
				zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return false, nil
	}

	err = store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := repositories.NewJobRepository(tx)
		if err := repo.QueueRemove(ctx, job.ID); err != nil {
			return err
		}
		now := time.Now().UTC()
		job.Status = db.JobStatusRunning
		job.StartedAt = &now
		return repo.Update(ctx, job)
	})
	if err != nil {
		// The runner is already going; the job record catches up at
		// reconcile time.
		w.logger.Error("dispatch commit failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	w.logger.Info("job dispatched", zap.Int64("job_id", job.ID), zap.String("owner", job.Owner))
	return true, nil
}

// failJob marks a job FAILED without running it and removes it from the
// queue.
func (w *Worker) failJob(ctx context.Context, job *db.Job, cause error) error {
	err := w.svc.Store().Transaction(ctx, func(tx *gorm.DB) error {
		repo := repositories.NewJobRepository(tx)
		if err := repo.QueueRemove(ctx, job.ID); err != nil {
			return err
		}
		now := time.Now().UTC()
		job.Status = db.JobStatusFailed
		job.FinishedAt = &now
		job.Stderr = []byte(cause.Error())
		return repo.Update(ctx, job)
	})
	if err != nil {
		return err
	}
	metrics.JobsFinished.WithLabelValues(db.JobStatusFailed).Inc()
	w.svc.NotifyJobFinished(job.ID, job.Owner, db.JobStatusFailed)
	return nil
}

// reconcile commits every finished runner's result and publishes the
// terminal transition.
func (w *Worker) reconcile(ctx context.Context) {
	for _, r := range w.orch.CollectFinished() {
		res := r.Result()
		var owner string
		err := w.svc.Store().Transaction(ctx, func(tx *gorm.DB) error {
			repo := repositories.NewJobRepository(tx)
			job, err := repo.GetByID(ctx, r.JobID())
			if err != nil {
				return err
			}
			job.Status = res.Status
			job.ReturnCode = res.ReturnCode
			job.Stdout = res.Stdout
			job.Stderr = res.Stderr
			job.Artifact = res.Artifact
			finished := res.FinishedAt
			job.FinishedAt = &finished
			if job.StartedAt == nil {
				started := res.StartedAt
				job.StartedAt = &started
			}
			owner = job.Owner
			return repo.Update(ctx, job)
		})
		if err != nil {
			w.logger.Error("result commit failed", zap.Int64("job_id", r.JobID()), zap.Error(err))
			continue
		}
		w.logger.Info("job reconciled",
			zap.Int64("job_id", r.JobID()), zap.String("status", res.Status))
		metrics.JobsFinished.WithLabelValues(res.Status).Inc()
		w.svc.NotifyJobFinished(r.JobID(), owner, res.Status)
	}
}

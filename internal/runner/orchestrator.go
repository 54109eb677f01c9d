package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrNotAccepting is returned by NewRunner when the orchestrator is
// stopped or already running its maximum of concurrent jobs.
var ErrNotAccepting = errors.New("runner: orchestrator not accepting jobs")

const (
	manageInterval = 500 * time.Millisecond

	// removeGrace is how long a container gets to notice /root/ENDNOW and
	// exit on its own before the engine stop kicks in.
	removeGrace = 2 * time.Second
	stopTimeout = 10 * time.Second

	// drainTimeout bounds how long Stop waits for in-process runners.
	drainTimeout = 15 * time.Second

	envVersion = "PACKETSERVER_VERSION"
	envUser    = "PACKETSERVER_USER"
)

// Config sizes the orchestrator. Zero fields fall back to the documented
// defaults.
type Config struct {
	Image         string
	NamePrefix    string
	MaxActiveJobs int

	ContainerKeepalive time.Duration
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration

	// OrphanScanSchedule is a cron expression for the sweep that removes
	// prefixed containers the orchestrator no longer tracks.
	OrphanScanSchedule string

	Version string
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = "debian"
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "packetserver_"
	}
	if c.MaxActiveJobs <= 0 {
		c.MaxActiveJobs = 5
	}
	if c.ContainerKeepalive <= 0 {
		c.ContainerKeepalive = 5 * time.Minute
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = time.Hour
	}
	if c.OrphanScanSchedule == "" {
		c.OrphanScanSchedule = "*/10 * * * *"
	}
}

// Orchestrator owns the per-user container pool. Each user gets one
// container, named prefix plus lowercased callsign, created on first job
// and kept warm until it sits idle past the keepalive. Runners exec into
// the container; the orchestrator only tracks container activity and
// enforces the concurrency cap.
type Orchestrator struct {
	engine Engine
	cfg    Config
	logger *zap.Logger

	cancel     context.CancelFunc
	manageDone chan struct{}
	cron       *cron.Cron

	mu         sync.Mutex
	started    bool
	runCtx     context.Context
	containers map[string]time.Time // name -> last activity
	runners    map[int64]*Runner
	wg         sync.WaitGroup
}

// NewOrchestrator wires an orchestrator over the given engine. Call Start
// before submitting runners.
func NewOrchestrator(engine Engine, cfg Config, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		engine:     engine,
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		containers: make(map[string]time.Time),
		runners:    make(map[int64]*Runner),
	}
}

// Start verifies the engine is reachable and begins the manage loop and
// the orphan scan.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.engine.Ping(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		cancel()
		return nil
	}
	o.started = true
	o.runCtx = runCtx
	o.cancel = cancel
	o.manageDone = make(chan struct{})
	o.mu.Unlock()

	o.cron = cron.New()
	if _, err := o.cron.AddFunc(o.cfg.OrphanScanSchedule, func() { o.orphanScan(runCtx) }); err != nil {
		return fmt.Errorf("runner: orphan scan schedule %q: %w", o.cfg.OrphanScanSchedule, err)
	}
	o.cron.Start()

	go o.manage(runCtx)
	o.logger.Info("orchestrator started",
		zap.String("image", o.cfg.Image),
		zap.Int("max_active_jobs", o.cfg.MaxActiveJobs))
	return nil
}

// Stop drains in-process runners, then tears down every tracked
// container. Runners still going after the drain timeout are abandoned;
// their containers are removed regardless.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	names := make([]string, 0, len(o.containers))
	for name := range o.containers {
		names = append(names, name)
	}
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		o.logger.Warn("runners still in process after drain timeout")
	case <-ctx.Done():
	}

	if o.cron != nil {
		o.cron.Stop()
	}
	o.cancel()
	<-o.manageDone

	for _, name := range names {
		o.removeContainer(ctx, name)
	}
	o.mu.Lock()
	o.containers = make(map[string]time.Time)
	o.runners = make(map[int64]*Runner)
	o.mu.Unlock()
	o.logger.Info("orchestrator stopped")
}

// Up reports whether the engine answers; the root handler advertises job
// acceptance from this.
func (o *Orchestrator) Up(ctx context.Context) bool {
	return o.engine.Ping(ctx) == nil
}

// InProcess counts runners that have not finished.
func (o *Orchestrator) InProcess() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inProcessLocked()
}

func (o *Orchestrator) inProcessLocked() int {
	n := 0
	for _, r := range o.runners {
		if !r.Finished() {
			n++
		}
	}
	return n
}

// Available reports whether a new runner would be accepted right now.
func (o *Orchestrator) Available() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && o.inProcessLocked() < o.cfg.MaxActiveJobs
}

// NewRunner admits one job: it ensures the owner's container exists and
// runs, then launches the runner goroutine. Availability is re-checked
// under the lock so concurrent admits cannot blow past the cap.
func (o *Orchestrator) NewRunner(job JobInput) (*Runner, error) {
	if job.Timeout <= 0 {
		job.Timeout = o.cfg.DefaultTimeout
	}
	if job.Timeout > o.cfg.MaxTimeout {
		job.Timeout = o.cfg.MaxTimeout
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started || o.inProcessLocked() >= o.cfg.MaxActiveJobs {
		return nil, ErrNotAccepting
	}
	if _, dup := o.runners[job.ID]; dup {
		return nil, fmt.Errorf("runner: job %d already has a runner", job.ID)
	}

	username := strings.ToLower(job.Owner)
	name := o.cfg.NamePrefix + username
	if err := o.ensureContainer(o.runCtx, name, username); err != nil {
		return nil, err
	}
	o.containers[name] = time.Now()

	r := newRunner(job, o.engine, name, username, o.logger)
	o.runners[job.ID] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		r.run(o.runCtx)
	}()
	return r, nil
}

// CollectFinished removes and returns every finished runner. The job
// worker calls this each tick to commit results.
func (o *Orchestrator) CollectFinished() []*Runner {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*Runner
	for id, r := range o.runners {
		if r.Finished() {
			out = append(out, r)
			delete(o.runners, id)
		}
	}
	return out
}

// ensureContainer makes name exist and run, doing first-time setup for
// fresh containers. Called with the lock held.
func (o *Orchestrator) ensureContainer(ctx context.Context, name, username string) error {
	state, err := o.engine.Inspect(ctx, name)
	switch {
	case errors.Is(err, ErrContainerNotFound):
		env := []string{
			envVersion + "=" + o.cfg.Version,
			envUser + "=" + username,
		}
		if err := o.engine.CreateContainer(ctx, name, o.cfg.Image, env); err != nil {
			return err
		}
		if err := o.engine.StartContainer(ctx, name); err != nil {
			return err
		}
		if err := uploadScripts(ctx, o.engine, name); err != nil {
			return err
		}
		if err := runScript(ctx, o.engine, name, "setup.sh", username); err != nil {
			return err
		}
		o.logger.Info("container created", zap.String("container", name))
		return nil
	case err != nil:
		return err
	case !state.Running:
		if err := o.engine.StartContainer(ctx, name); err != nil {
			return err
		}
		// A leftover ENDNOW from a failed teardown would stop it again.
		_, err := o.engine.Exec(ctx, name, []string{"rm", "-f", "/root/ENDNOW"}, ExecOptions{})
		return err
	default:
		return nil
	}
}

// manage touches the activity of containers with in-process runners and
// evicts those idle past the keepalive.
func (o *Orchestrator) manage(ctx context.Context) {
	defer close(o.manageDone)
	ticker := time.NewTicker(manageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range o.sweep() {
				o.removeContainer(ctx, name)
			}
		}
	}
}

// sweep refreshes container activity and returns the names to evict,
// dropping them from tracking so a new job recreates rather than reuses
// them.
func (o *Orchestrator) sweep() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	for _, r := range o.runners {
		if !r.Finished() {
			o.containers[r.Container()] = now
		}
	}

	var idle []string
	for name, last := range o.containers {
		if now.Sub(last) > o.cfg.ContainerKeepalive {
			idle = append(idle, name)
			delete(o.containers, name)
		}
	}
	return idle
}

// removeContainer tears one container down: touch /root/ENDNOW so the
// entrypoint exits on its own, rename the container out of the live
// namespace so the name frees up immediately, then stop and remove.
func (o *Orchestrator) removeContainer(ctx context.Context, name string) {
	_, err := o.engine.Exec(ctx, name, []string{"touch", "/root/ENDNOW"}, ExecOptions{})
	if err == nil {
		select {
		case <-ctx.Done():
		case <-time.After(removeGrace):
		}
	}

	renamed := name + "_rm_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := o.engine.RenameContainer(ctx, name, renamed); err != nil {
		if !errors.Is(err, ErrContainerNotFound) {
			o.logger.Warn("container rename failed", zap.String("container", name), zap.Error(err))
		}
		return
	}
	if err := o.engine.StopContainer(ctx, renamed, stopTimeout); err != nil && !errors.Is(err, ErrContainerNotFound) {
		o.logger.Warn("container stop failed", zap.String("container", renamed), zap.Error(err))
	}
	if err := o.engine.RemoveContainer(ctx, renamed, true); err != nil && !errors.Is(err, ErrContainerNotFound) {
		o.logger.Warn("container remove failed", zap.String("container", renamed), zap.Error(err))
		return
	}
	o.logger.Info("container removed", zap.String("container", name))
}

// orphanScan removes prefixed containers the orchestrator does not track,
// left behind by a crash or an unclean shutdown.
func (o *Orchestrator) orphanScan(ctx context.Context) {
	names, err := o.engine.ListContainers(ctx, o.cfg.NamePrefix)
	if err != nil {
		o.logger.Warn("orphan scan failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	tracked := make(map[string]bool, len(o.containers))
	for name := range o.containers {
		tracked[name] = true
	}
	o.mu.Unlock()

	for _, name := range names {
		if tracked[name] || strings.Contains(name, "_rm_") {
			continue
		}
		o.logger.Info("removing orphaned container", zap.String("container", name))
		o.removeContainer(ctx, name)
	}
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/db"
)

// JobFile is one input file staged into the job directory before the
// command runs.
type JobFile struct {
	Name      string
	Data      []byte
	RootOwned bool
}

// JobInput is everything a Runner needs to execute one job.
type JobInput struct {
	ID    int64
	Owner string

	// Argv is the command; with Shell set it is a single element run
	// through bash -c.
	Argv  []string
	Shell bool

	Env     map[string]string
	Files   []JobFile
	Timeout time.Duration
}

// Result is the outcome of one finished Runner.
type Result struct {
	Status     string
	ReturnCode *int
	Stdout     []byte
	Stderr     []byte

	// Artifact is the gzipped tar of the job's artifacts directory, nil
	// when the job left nothing behind.
	Artifact []byte

	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner executes a single job inside its owner's container. It moves the
// job through STARTING, RUNNING and STOPPING and settles on a terminal
// status; the job worker reads the Result back after Done closes.
type Runner struct {
	job       JobInput
	engine    Engine
	container string
	username  string
	logger    *zap.Logger

	done chan struct{}

	mu     sync.Mutex
	status string
	result Result
}

func newRunner(job JobInput, engine Engine, container, username string, logger *zap.Logger) *Runner {
	return &Runner{
		job:       job,
		engine:    engine,
		container: container,
		username:  username,
		logger:    logger.With(zap.Int64("job_id", job.ID), zap.String("container", container)),
		done:      make(chan struct{}),
		status:    db.JobStatusQueued,
	}
}

// JobID returns the id of the job this runner executes.
func (r *Runner) JobID() int64 { return r.job.ID }

// Container returns the name of the container the runner execs into.
func (r *Runner) Container() string { return r.container }

// Done closes when the runner has settled on a terminal status.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Finished reports whether the runner is done without blocking.
func (r *Runner) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Status returns the runner's current job status.
func (r *Runner) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the outcome. Only meaningful after Done closes.
func (r *Runner) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Runner) setStatus(status string) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// jobDir is the per-job working directory inside the container.
func (r *Runner) jobDir() string {
	return fmt.Sprintf("/home/%s/.packetserver/%d", r.username, r.job.ID)
}

// run drives the job to completion. It never returns an error; failures
// become a FAILED result with the cause in stderr.
func (r *Runner) run(ctx context.Context) {
	started := time.Now().UTC()
	r.mu.Lock()
	r.result.StartedAt = started
	r.mu.Unlock()

	status, result := r.execute(ctx)
	result.Status = status
	result.StartedAt = started
	result.FinishedAt = time.Now().UTC()

	r.mu.Lock()
	r.status = status
	r.result = result
	r.mu.Unlock()
	close(r.done)

	r.logger.Info("job finished",
		zap.String("status", status),
		zap.Duration("elapsed", result.FinishedAt.Sub(started)))
}

func (r *Runner) execute(ctx context.Context) (string, Result) {
	var result Result

	// 1. Stage the job directory and input files.
	r.setStatus(db.JobStatusStarting)
	if err := r.stage(ctx); err != nil {
		r.logger.Warn("job staging failed", zap.Error(err))
		result.Stderr = []byte(err.Error())
		return db.JobStatusFailed, result
	}

	// 2. Run the command as the job user, bounded by the job timeout.
	r.setStatus(db.JobStatusRunning)
	execCtx, cancel := context.WithTimeout(ctx, r.job.Timeout)
	defer cancel()

	res, err := r.engine.Exec(execCtx, r.container, r.command(), ExecOptions{
		User:    r.username,
		WorkDir: r.jobDir(),
		Env:     r.environ(),
	})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("job timed out", zap.Duration("timeout", r.job.Timeout))
			return db.JobStatusTimedOut, result
		}
		r.logger.Warn("job exec failed", zap.Error(err))
		result.Stderr = []byte(err.Error())
		return db.JobStatusFailed, result
	}
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	rc := res.ExitCode
	result.ReturnCode = &rc

	// 3. Collect artifacts. A teardown failure does not fail the job; the
	// command already ran.
	r.setStatus(db.JobStatusStopping)
	artifact, err := r.collectArtifact(ctx)
	if err != nil {
		r.logger.Warn("artifact collection failed", zap.Error(err))
	} else {
		result.Artifact = artifact
	}

	if rc == 0 {
		return db.JobStatusSuccessful, result
	}
	return db.JobStatusFailed, result
}

// stage prepares the job directory and uploads the input files. Files keep
// root ownership unless the submission left them to the job user.
func (r *Runner) stage(ctx context.Context) error {
	jid := strconv.FormatInt(r.job.ID, 10)
	if err := runScript(ctx, r.engine, r.container, "job_setup.sh", r.username, jid); err != nil {
		return err
	}

	dir := r.jobDir()
	for _, f := range r.job.Files {
		archive, err := buildFileArchive(f.Name, f.Data, 0o644)
		if err != nil {
			return err
		}
		if err := r.engine.PutArchive(ctx, r.container, dir, archive); err != nil {
			return err
		}
		if f.RootOwned {
			continue
		}
		chown := []string{"chown", r.username + ":" + r.username, dir + "/" + f.Name}
		res, err := r.engine.Exec(ctx, r.container, chown, ExecOptions{})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("runner: chown %s: exit %d", f.Name, res.ExitCode)
		}
	}
	return nil
}

// command returns the argv handed to the engine exec.
func (r *Runner) command() []string {
	if r.job.Shell {
		return []string{"bash", "-c", strings.Join(r.job.Argv, " ")}
	}
	return r.job.Argv
}

// environ builds the per-exec environment: the submitted variables plus
// the job id.
func (r *Runner) environ() []string {
	env := make([]string, 0, len(r.job.Env)+1)
	for k, v := range r.job.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "PACKETSERVER_JOBID="+strconv.FormatInt(r.job.ID, 10))
	return env
}

// collectArtifact runs the end-of-job script and pulls the resulting
// archive out of the container. Returns nil when the archive holds no
// regular files.
func (r *Runner) collectArtifact(ctx context.Context) ([]byte, error) {
	jid := strconv.FormatInt(r.job.ID, 10)
	if err := runScript(ctx, r.engine, r.container, "job_end.sh", r.username, jid); err != nil {
		return nil, err
	}

	name := jid + ".tar.gz"
	archive, err := r.engine.GetArchive(ctx, r.container, "/artifact_output/"+name)
	if err != nil {
		return nil, err
	}
	data, err := extractFile(archive, name)
	if err != nil {
		return nil, err
	}
	hasFiles, err := gzipTarHasFiles(data)
	if err != nil {
		return nil, err
	}
	if !hasFiles {
		return nil, nil
	}
	return data, nil
}

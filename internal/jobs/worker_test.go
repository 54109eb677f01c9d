package jobs

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/repositories"
	"github.com/packetserver-io/packetserver/internal/runner"
)

// captureSink records JobFinished events.
type captureSink struct {
	mu       sync.Mutex
	finished []string
}

func (s *captureSink) BulletinPosted(int64, string, string)      {}
func (s *captureSink) MessageDelivered(string, string, []string) {}
func (s *captureSink) JobFinished(id int64, owner, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, fmt.Sprintf("%d:%s:%s", id, owner, status))
}

func (s *captureSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finished...)
}

// fakeEngine is a minimal in-memory runner.Engine. Root execs (setup
// scripts, chowns) succeed; the job command routes through exec.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]bool
	createErr  error
	exec       func(ctx context.Context, cmd []string, opts runner.ExecOptions) (runner.ExecResult, error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]bool)}
}

func (e *fakeEngine) Ping(ctx context.Context) error { return nil }

func (e *fakeEngine) CreateContainer(ctx context.Context, name, image string, env []string) error {
	if e.createErr != nil {
		return e.createErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers[name] = false
	return nil
}

func (e *fakeEngine) StartContainer(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[name]; !ok {
		return runner.ErrContainerNotFound
	}
	e.containers[name] = true
	return nil
}

func (e *fakeEngine) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[name]; !ok {
		return runner.ErrContainerNotFound
	}
	e.containers[name] = false
	return nil
}

func (e *fakeEngine) RemoveContainer(ctx context.Context, name string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, name)
	return nil
}

func (e *fakeEngine) RenameContainer(ctx context.Context, name, newName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	running, ok := e.containers[name]
	if !ok {
		return runner.ErrContainerNotFound
	}
	delete(e.containers, name)
	e.containers[newName] = running
	return nil
}

func (e *fakeEngine) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for name := range e.containers {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (e *fakeEngine) Inspect(ctx context.Context, name string) (runner.ContainerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	running, ok := e.containers[name]
	if !ok {
		return runner.ContainerState{}, runner.ErrContainerNotFound
	}
	return runner.ContainerState{Running: running, Status: "running"}, nil
}

func (e *fakeEngine) Exec(ctx context.Context, name string, cmd []string, opts runner.ExecOptions) (runner.ExecResult, error) {
	if opts.User != "" && e.exec != nil {
		return e.exec(ctx, cmd, opts)
	}
	return runner.ExecResult{}, nil
}

func (e *fakeEngine) PutArchive(ctx context.Context, name, path string, tarData []byte) error {
	return nil
}

func (e *fakeEngine) GetArchive(ctx context.Context, name, p string) ([]byte, error) {
	// The artifact fetch expects a tar wrapping the gzipped artifact tar.
	return singleFileTar(path.Base(p), emptyGzTar())
}

func emptyGzTar() []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func singleFileTar(name string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newTestService(t *testing.T, sink bbs.EventSink) *bbs.Service {
	t.Helper()
	store, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := bbs.NewService(store, zap.NewNop(), sink)
	ctx := context.Background()
	require.NoError(t, svc.Bootstrap(ctx, "K7SRV", "testbbs"))

	cfg, err := svc.Config(ctx)
	require.NoError(t, err)
	cfg.JobsEnabled = true
	require.NoError(t, svc.SaveConfig(ctx, cfg))

	blacklisted, err := svc.Admit(ctx, "K7ABC")
	require.NoError(t, err)
	require.False(t, blacklisted)
	return svc
}

func newTestWorker(t *testing.T, svc *bbs.Service, engine runner.Engine) (*Worker, *runner.Orchestrator) {
	t.Helper()
	orch := runner.NewOrchestrator(engine, runner.Config{
		NamePrefix:     "jwtest_",
		MaxActiveJobs:  2,
		DefaultTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { orch.Stop(context.Background()) })
	return NewWorker(svc, orch, zap.NewNop()), orch
}

func queuedIDs(t *testing.T, svc *bbs.Service) []int64 {
	t.Helper()
	var ids []int64
	err := svc.Store().Transaction(context.Background(), func(tx *gorm.DB) error {
		var err error
		ids, err = repositories.NewJobRepository(tx).QueueJobIDs(context.Background())
		return err
	})
	require.NoError(t, err)
	return ids
}

func TestDispatchAndReconcile(t *testing.T) {
	sink := &captureSink{}
	svc := newTestService(t, sink)
	ctx := context.Background()

	engine := newFakeEngine()
	release := make(chan struct{})
	engine.exec = func(execCtx context.Context, cmd []string, opts runner.ExecOptions) (runner.ExecResult, error) {
		select {
		case <-release:
		case <-execCtx.Done():
			return runner.ExecResult{}, execCtx.Err()
		}
		return runner.ExecResult{ExitCode: 0, Stdout: []byte("ok\n")}, nil
	}
	w, _ := newTestWorker(t, svc, engine)

	id, err := svc.SubmitJob(ctx, "K7ABC", bbs.JobSpec{Cmd: []string{"echo", "ok"}})
	require.NoError(t, err)
	require.Equal(t, []int64{id}, queuedIDs(t, svc))

	w.dispatch(ctx)

	assert.Empty(t, queuedIDs(t, svc), "dispatched job leaves the queue")
	view, err := svc.GetJob(ctx, "K7ABC", id)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, view["status"])

	close(release)
	require.Eventually(t, func() bool {
		w.reconcile(ctx)
		view, err := svc.GetJob(ctx, "K7ABC", id)
		if err != nil {
			return false
		}
		status, _ := view["status"].(string)
		return db.JobStatusTerminal(status)
	}, 5*time.Second, 50*time.Millisecond)

	view, err = svc.GetJob(ctx, "K7ABC", id)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusSuccessful, view["status"])
	assert.Equal(t, 0, view["return_code"])

	out, err := base64.StdEncoding.DecodeString(view["output"].(string))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))

	assert.Equal(t, []string{fmt.Sprintf("%d:K7ABC:%s", id, db.JobStatusSuccessful)}, sink.events())
}

func TestRunnerCreationFailureLeavesJobQueued(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	engine := newFakeEngine()
	engine.createErr = fmt.Errorf("engine exploded")
	w, _ := newTestWorker(t, svc, engine)

	id, err := svc.SubmitJob(ctx, "K7ABC", bbs.JobSpec{Cmd: "echo hi"})
	require.NoError(t, err)

	w.dispatch(ctx)

	assert.Equal(t, []int64{id}, queuedIDs(t, svc), "job stays queued for the next tick")
	view, err := svc.GetJob(ctx, "K7ABC", id)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusQueued, view["status"])
}

func TestDispatchStopsAtConcurrencyCap(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	engine := newFakeEngine()
	release := make(chan struct{})
	engine.exec = func(execCtx context.Context, cmd []string, opts runner.ExecOptions) (runner.ExecResult, error) {
		select {
		case <-release:
		case <-execCtx.Done():
		}
		return runner.ExecResult{ExitCode: 0}, nil
	}
	defer close(release)

	orch := runner.NewOrchestrator(engine, runner.Config{
		NamePrefix:     "jwtest_",
		MaxActiveJobs:  1,
		DefaultTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() { orch.Stop(context.Background()) })
	w := NewWorker(svc, orch, zap.NewNop())

	first, err := svc.SubmitJob(ctx, "K7ABC", bbs.JobSpec{Cmd: "sleep 60"})
	require.NoError(t, err)
	second, err := svc.SubmitJob(ctx, "K7ABC", bbs.JobSpec{Cmd: "echo hi"})
	require.NoError(t, err)

	w.dispatch(ctx)

	assert.Equal(t, []int64{second}, queuedIDs(t, svc), "only the head fits the single slot")
	view, err := svc.GetJob(ctx, "K7ABC", first)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, view["status"])
}

func TestRequestSeenArmsCheck(t *testing.T) {
	svc := newTestService(t, nil)
	w, _ := newTestWorker(t, svc, newFakeEngine())

	// Drain the startup arm.
	assert.True(t, w.checkDue())
	assert.False(t, w.checkDue())

	w.RequestSeen(false)
	assert.True(t, w.checkDue(), "a request arms an immediate check")
	assert.False(t, w.checkDue())
	w.mu.Lock()
	assert.Equal(t, defaultCheckInterval, w.interval)
	assert.True(t, w.finalTick.IsZero())
	w.mu.Unlock()
}

func TestQuickRequestTightensSchedule(t *testing.T) {
	svc := newTestService(t, nil)
	w, _ := newTestWorker(t, svc, newFakeEngine())
	w.checkDue()

	w.RequestSeen(true)
	assert.True(t, w.checkDue())

	w.mu.Lock()
	assert.Equal(t, quickCheckInterval, w.interval)
	assert.False(t, w.finalTick.IsZero(), "quick leaves a one-shot final tick armed")
	next := w.nextCheck
	w.mu.Unlock()
	assert.InDelta(t, quickCheckInterval.Seconds(), time.Until(next).Seconds(), 1)

	// Force the final tick into the past; it fires once and relaxes the
	// interval back to the default.
	w.mu.Lock()
	w.finalTick = time.Now().Add(-time.Millisecond)
	w.mu.Unlock()
	assert.True(t, w.checkDue())
	w.mu.Lock()
	assert.True(t, w.finalTick.IsZero())
	assert.Equal(t, defaultCheckInterval, w.interval)
	w.mu.Unlock()
}

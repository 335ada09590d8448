package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runbox/internal/catalog"
	"runbox/internal/sandbox"
	"runbox/internal/workspace"
	"runbox/pkg/models"
)

// fakeBroker feeds a fixed set of jobs and records terminal updates.
type fakeBroker struct {
	mu        sync.Mutex
	jobs      []*models.Job
	completed map[string]string
	failed    map[string]string
	pending   int
	done      chan struct{}
}

func newFakeBroker(jobs ...*models.Job) *fakeBroker {
	return &fakeBroker{
		jobs:      jobs,
		completed: make(map[string]string),
		failed:    make(map[string]string),
		pending:   len(jobs),
		done:      make(chan struct{}),
	}
}

func (b *fakeBroker) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	b.mu.Lock()
	if len(b.jobs) > 0 {
		job := b.jobs[0]
		b.jobs = b.jobs[1:]
		b.mu.Unlock()
		return job, nil
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (b *fakeBroker) Complete(ctx context.Context, id, output string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed[id] = output
	b.resolveLocked()
	return nil
}

func (b *fakeBroker) Fail(ctx context.Context, id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed[id] = reason
	b.resolveLocked()
	return nil
}

func (b *fakeBroker) resolveLocked() {
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
}

func (b *fakeBroker) waitResolved(t *testing.T) {
	t.Helper()
	select {
	case <-b.done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for jobs to resolve")
	}
}

func (b *fakeBroker) completedOutput(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, ok := b.completed[id]
	return out, ok
}

func (b *fakeBroker) failedReason(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reason, ok := b.failed[id]
	return reason, ok
}

// fakeRunner runs a canned function and records every invocation.
type fakeRunner struct {
	mu          sync.Mutex
	invocations []sandbox.Invocation
	run         func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error)
}

func (r *fakeRunner) Run(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
	r.mu.Lock()
	r.invocations = append(r.invocations, inv)
	r.mu.Unlock()
	return r.run(ctx, inv)
}

func (r *fakeRunner) invocation(i int) sandbox.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocations[i]
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invocations)
}

type poolHarness struct {
	pool   *Pool
	broker *fakeBroker
	runner *fakeRunner
	ws     *workspace.Manager
}

func newPoolHarness(t *testing.T, cfg Config, runner *fakeRunner, jobs ...*models.Job) *poolHarness {
	t.Helper()

	cat, err := catalog.Default()
	require.NoError(t, err)

	ws := workspace.NewManager(t.TempDir())
	require.NoError(t, ws.Ensure())

	broker := newFakeBroker(jobs...)
	if cfg.DequeueBlock == 0 {
		cfg.DequeueBlock = 10 * time.Millisecond
	}
	pool := New(broker, runner, ws, cat, cfg)

	return &poolHarness{pool: pool, broker: broker, runner: runner, ws: ws}
}

func (h *poolHarness) jobDir(id string) string {
	return filepath.Join(h.ws.Root(), id)
}

func job(id, language, code string) *models.Job {
	return &models.Job{ID: id, Language: language, Code: code, State: models.StateActive, Attempts: 1}
}

func TestPoolCompletesSuccessfulJob(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		return &sandbox.Result{Stdout: "hello\n", ExitCode: 0, Duration: 50 * time.Millisecond}, nil
	}}
	h := newPoolHarness(t, Config{Concurrency: 1}, runner, job("job-ok", "python", `print("hello")`))

	h.pool.Start()
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	out, ok := h.broker.completedOutput("job-ok")
	require.True(t, ok, "job should be completed")
	assert.Equal(t, "hello\n", out)

	_, err := os.Stat(h.jobDir("job-ok"))
	assert.True(t, os.IsNotExist(err), "artifacts of a completed job must be removed")
}

func TestPoolRetainsArtifactsOnFailure(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		return &sandbox.Result{Stderr: "warning: implicit declaration\n", ExitCode: 0}, nil
	}}
	h := newPoolHarness(t, Config{Concurrency: 1}, runner, job("job-warn", "c", "int main(){}"))

	h.pool.Start()
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	reason, ok := h.broker.failedReason("job-warn")
	require.True(t, ok, "job should be failed")
	assert.Equal(t, "Execution potentially failed. Stderr:\nwarning: implicit declaration\n", reason)

	_, err := os.Stat(h.jobDir("job-warn"))
	assert.NoError(t, err, "artifacts of a failed job must be retained")
}

func TestPoolReportsTimeout(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		return &sandbox.Result{ExitCode: 124, TimedOut: true}, nil
	}}
	h := newPoolHarness(t, Config{Concurrency: 1, TimeoutSeconds: 15}, runner,
		job("job-slow", "python", "while True: pass"))

	h.pool.Start()
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	reason, ok := h.broker.failedReason("job-slow")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(reason, "Timeout after 15 seconds"), "got %q", reason)
}

func TestPoolFailsOnSandboxError(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		return nil, errors.New("image not found")
	}}
	h := newPoolHarness(t, Config{Concurrency: 1}, runner, job("job-noimg", "node", "console.log(1)"))

	h.pool.Start()
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	reason, ok := h.broker.failedReason("job-noimg")
	require.True(t, ok)
	assert.Equal(t, "Sandbox error: image not found", reason)
}

func TestPoolRejectsUnknownLanguage(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		t.Error("Runner must not be invoked for an unknown language")
		return nil, nil
	}}
	h := newPoolHarness(t, Config{Concurrency: 1}, runner, job("job-bf", "brainfuck", "++."))

	h.pool.Start()
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	reason, ok := h.broker.failedReason("job-bf")
	require.True(t, ok)
	assert.Equal(t, "Unsupported language: brainfuck", reason)
	assert.Zero(t, runner.count())
}

func TestPoolExpandsCommandForJava(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		return &sandbox.Result{Stdout: "done\n", ExitCode: 0}, nil
	}}
	h := newPoolHarness(t, Config{Concurrency: 1}, runner,
		job("job-java", "java", "public class Greeter { public static void main(String[] a) {} }"))

	h.pool.Start()
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	require.Equal(t, 1, runner.count())
	inv := runner.invocation(0)
	assert.Equal(t, "openjdk:17", inv.Image)
	assert.Equal(t, "/code/job-java", inv.WorkDir)
	assert.Equal(t, "javac /code/job-java/Greeter.java && java Greeter", inv.Command)
}

func TestPoolRecoversFromRunnerPanic(t *testing.T) {
	var calls int32
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return &sandbox.Result{Stdout: "second\n", ExitCode: 0}, nil
	}}
	h := newPoolHarness(t, Config{Concurrency: 1}, runner,
		job("job-panic", "python", "print(1)"),
		job("job-after", "python", "print(2)"))

	h.pool.Start()
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	reason, ok := h.broker.failedReason("job-panic")
	require.True(t, ok, "panicking job should be failed")
	assert.Contains(t, reason, "internal error")

	out, ok := h.broker.completedOutput("job-after")
	require.True(t, ok, "worker should survive the panic and process the next job")
	assert.Equal(t, "second\n", out)
}

func TestPoolRunsJobsConcurrently(t *testing.T) {
	const workers = 3
	var inFlight, peak int32
	release := make(chan struct{})

	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return &sandbox.Result{Stdout: "ok\n", ExitCode: 0}, nil
	}}

	h := newPoolHarness(t, Config{Concurrency: workers}, runner,
		job("job-a", "python", "print(1)"),
		job("job-b", "python", "print(2)"),
		job("job-c", "python", "print(3)"))

	h.pool.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&inFlight) == workers
	}, 5*time.Second, 10*time.Millisecond, "all workers should be busy at once")

	close(release)
	h.broker.waitResolved(t)
	require.NoError(t, h.pool.Stop(context.Background()))

	assert.Equal(t, int32(workers), atomic.LoadInt32(&peak))
}

func TestPoolStopAbortsStuckJobs(t *testing.T) {
	entered := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newPoolHarness(t, Config{Concurrency: 1, DrainTimeout: 100 * time.Millisecond}, runner,
		job("job-stuck", "python", "while True: pass"))

	h.pool.Start()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Job never reached the runner")
	}

	err := h.pool.Stop(context.Background())
	assert.Error(t, err, "drain deadline should be reported")

	// The aborted job must stay unresolved so the startup sweep decides.
	_, completed := h.broker.completedOutput("job-stuck")
	_, failed := h.broker.failedReason("job-stuck")
	assert.False(t, completed)
	assert.False(t, failed)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_DRAIN_TIMEOUT", "45s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.DrainTimeout)

	t.Setenv("WORKER_CONCURRENCY", "zero")
	_, err = ConfigFromEnv()
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 15, cfg.TimeoutSeconds)
}

// Package worker drains the job queue. A fixed pool of goroutines dequeues
// submissions, materializes them on disk, runs them in the sandbox, and
// publishes the classified outcome back to the queue.
package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"runbox/internal/catalog"
	"runbox/internal/logging"
	"runbox/internal/metrics"
	"runbox/internal/sandbox"
	"runbox/internal/workspace"
	"runbox/pkg/models"
)

// Broker is the queue surface the pool consumes.
type Broker interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Complete(ctx context.Context, id, output string) error
	Fail(ctx context.Context, id, reason string) error
}

// Runner executes a prepared invocation in a sandbox.
type Runner interface {
	Run(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error)
}

// Workspace provisions and cleans per-job artifact sets.
type Workspace interface {
	Prepare(desc catalog.Descriptor, code, jobID string) (*workspace.ArtifactSet, error)
	Cleanup(set *workspace.ArtifactSet)
}

// Config tunes the pool.
type Config struct {
	// Concurrency is the number of worker goroutines, which bounds the
	// number of simultaneously running sandbox containers.
	Concurrency int

	// DequeueBlock is how long one Dequeue blocks before looping; it
	// bounds how long shutdown waits for an idle worker to notice.
	DequeueBlock time.Duration

	// DrainTimeout is how long Stop waits for in-flight jobs before
	// aborting them.
	DrainTimeout time.Duration

	// TimeoutSeconds is quoted in timeout failure reasons and must match
	// the sandbox deadline.
	TimeoutSeconds int
}

// DefaultConfig returns the stock pool tuning: five workers, 30 s drain.
func DefaultConfig() Config {
	return Config{
		Concurrency:    5,
		DequeueBlock:   2 * time.Second,
		DrainTimeout:   30 * time.Second,
		TimeoutSeconds: 15,
	}
}

// ConfigFromEnv reads WORKER_* environment variables over DefaultConfig.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("WORKER_CONCURRENCY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid WORKER_CONCURRENCY %q", v)
		}
		cfg.Concurrency = n
	}
	if v := strings.TrimSpace(os.Getenv("WORKER_DRAIN_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid WORKER_DRAIN_TIMEOUT %q", v)
		}
		cfg.DrainTimeout = d
	}
	return cfg, nil
}

// Pool runs the worker goroutines.
type Pool struct {
	broker  Broker
	runner  Runner
	ws      Workspace
	catalog *catalog.Catalog
	cfg     Config
	logger  *zap.Logger

	wg         sync.WaitGroup
	stopIntake context.CancelFunc
	stopRun    context.CancelFunc
}

// New assembles a pool. Zero config fields fall back to DefaultConfig.
func New(broker Broker, runner Runner, ws Workspace, cat *catalog.Catalog, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.DequeueBlock <= 0 {
		cfg.DequeueBlock = def.DequeueBlock
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = def.TimeoutSeconds
	}
	return &Pool{
		broker:  broker,
		runner:  runner,
		ws:      ws,
		catalog: cat,
		cfg:     cfg,
		logger:  logging.L(),
	}
}

// Start launches the worker goroutines. Call Stop exactly once afterwards.
func (p *Pool) Start() {
	intakeCtx, stopIntake := context.WithCancel(context.Background())
	runCtx, stopRun := context.WithCancel(context.Background())
	p.stopIntake = stopIntake
	p.stopRun = stopRun

	for i := 1; i <= p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(intakeCtx, runCtx, i)
	}
	p.logger.Info("Worker pool started", zap.Int("concurrency", p.cfg.Concurrency))
}

// Stop drains the pool: intake stops immediately, in-flight jobs get up to
// DrainTimeout to finish, then their sandboxes are killed. Jobs aborted this
// way stay on the active list for the next startup sweep.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopIntake()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, p.cfg.DrainTimeout)
	defer cancel()

	select {
	case <-done:
		p.stopRun()
		p.logger.Info("Worker pool drained")
		return nil
	case <-drainCtx.Done():
		p.logger.Warn("Drain timeout expired, aborting in-flight jobs")
		p.stopRun()
		<-done
		return drainCtx.Err()
	}
}

// runLoop is one worker goroutine: block on the queue, process, repeat.
func (p *Pool) runLoop(intakeCtx, runCtx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))
	logger.Debug("Worker started")

	for {
		select {
		case <-intakeCtx.Done():
			logger.Debug("Worker stopped")
			return
		default:
		}

		job, err := p.broker.Dequeue(intakeCtx, p.cfg.DequeueBlock)
		if err != nil {
			if intakeCtx.Err() != nil {
				logger.Debug("Worker stopped")
				return
			}
			logger.Error("Dequeue failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-intakeCtx.Done():
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(runCtx, job)
	}
}

// process runs one job end to end. Classified failures become the job's
// failure reason; only a shutdown abort leaves the job unresolved.
func (p *Pool) process(ctx context.Context, job *models.Job) {
	logger := logging.WithJob(job.ID).With(zap.String("language", job.Language))
	m := metrics.Get()
	m.ExecutionsInFlight.Inc()
	defer m.ExecutionsInFlight.Dec()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordWorkerPanic("process")
			logger.Error("Recovered panic while processing job", zap.Any("panic", r))
			p.fail(job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	desc, ok := p.catalog.Resolve(job.Language)
	if !ok {
		// Submit-time validation should make this unreachable; a catalog
		// change between enqueue and dispatch can still get here.
		logger.Warn("Job language not in catalog")
		p.fail(job.ID, fmt.Sprintf("Unsupported language: %s", job.Language))
		m.RecordExecution(job.Language, "rejected", time.Since(start))
		return
	}

	set, err := p.ws.Prepare(desc, job.Code, job.ID)
	if err != nil {
		logger.Error("Workspace preparation failed", zap.Error(err))
		p.fail(job.ID, "Failed to prepare workspace: "+err.Error())
		m.RecordExecution(desc.Tag, "workspace_error", time.Since(start))
		return
	}

	command := catalog.Expand(desc.CommandTemplate, catalog.Binding{
		File:      set.ContainerSourcePath(),
		Output:    set.ContainerOutputPath(),
		Classname: set.Classname,
	})

	logger.Info("Executing job",
		zap.String("image", desc.Image), zap.Int("attempt", job.Attempts))

	res, err := p.runner.Run(ctx, sandbox.Invocation{
		JobID:   job.ID,
		Image:   desc.Image,
		Command: command,
		WorkDir: set.ContainerDir(),
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown killed the run. The job stays on the active list
			// and the next startup sweep decides its fate.
			logger.Warn("Job aborted by shutdown")
			return
		}
		logger.Error("Sandbox refused the job", zap.Error(err))
		p.fail(job.ID, "Sandbox error: "+err.Error())
		m.RecordExecution(desc.Tag, "sandbox_error", time.Since(start))
		return
	}

	verdict := classify(desc, res, p.cfg.TimeoutSeconds)
	if verdict.Success {
		if res.Stderr != "" {
			logger.Info("Job wrote to stderr without failing",
				zap.Int("stderr_bytes", len(res.Stderr)))
		}
		p.ws.Cleanup(set)
		p.complete(job.ID, verdict.Output)
		m.RecordExecution(desc.Tag, "completed", res.Duration)
		logger.Info("Job completed", zap.Duration("duration", res.Duration))
		return
	}

	// Artifacts stay on disk for post-mortem.
	p.fail(job.ID, verdict.Reason)
	status := "failed"
	if res.TimedOut {
		status = "timeout"
	}
	m.RecordExecution(desc.Tag, status, res.Duration)
	logger.Info("Job failed",
		zap.String("status", status), zap.Duration("duration", res.Duration))
}

// complete publishes a success. Uses a fresh context so the terminal write
// survives pool shutdown.
func (p *Pool) complete(id, output string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.broker.Complete(ctx, id, output); err != nil {
		logging.WithJob(id).Error("Failed to record completion", zap.Error(err))
	}
}

// fail publishes a failure reason, same contract as complete.
func (p *Pool) fail(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.broker.Fail(ctx, id, reason); err != nil {
		logging.WithJob(id).Error("Failed to record failure", zap.Error(err))
	}
}

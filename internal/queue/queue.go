// Package queue is the redis-backed job broker. Submissions enter a waiting
// list, workers move them to an active list with BRPOPLPUSH, and terminal
// results land in the per-job hash the API reads.
//
// Delivery is at-most-once by default: executing user code twice is worse
// than losing a job to a crash, so retries are opt-in.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"runbox/internal/db"
	"runbox/internal/logging"
	"runbox/pkg/models"
)

// ErrJobNotFound is returned when no job hash exists for an id.
var ErrJobNotFound = errors.New("job not found")

// StalledReason is recorded on jobs abandoned by a dead worker when retries
// are disabled.
const StalledReason = "job stalled: interrupted before completion"

// Config tunes one named queue.
type Config struct {
	// Name namespaces every redis key (queue:<name>:...).
	Name string

	// MaxAttempts caps deliveries per job. 1 means no retries.
	MaxAttempts int

	// RetryStalled re-queues jobs found on the active list at startup
	// instead of failing them.
	RetryStalled bool

	// PromoteInterval is how often delayed jobs are checked for promotion.
	PromoteInterval time.Duration
}

// DefaultConfig returns the production defaults: a single delivery attempt
// and no stall retries.
func DefaultConfig() Config {
	return Config{
		Name:            "executions",
		MaxAttempts:     1,
		RetryStalled:    false,
		PromoteInterval: time.Second,
	}
}

// ConfigFromEnv reads QUEUE_* environment variables over DefaultConfig.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("QUEUE_NAME")); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS %q", v)
		}
		cfg.MaxAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_RETRY_STALLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid QUEUE_RETRY_STALLED %q", v)
		}
		cfg.RetryStalled = b
	}
	return cfg, nil
}

// Queue is a named job queue over one redis connection.
type Queue struct {
	rc     *db.RedisClient
	cfg    Config
	prefix string
	logger *zap.Logger

	stopPromoter chan struct{}
	promoterDone chan struct{}
}

// New creates the queue and starts the delayed-job promoter.
func New(rc *db.RedisClient, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "executions"
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	q := &Queue{
		rc:           rc,
		cfg:          cfg,
		prefix:       "queue:" + cfg.Name,
		logger:       logging.L().With(zap.String("queue", cfg.Name)),
		stopPromoter: make(chan struct{}),
		promoterDone: make(chan struct{}),
	}
	go q.runPromoter()
	return q
}

// Close stops the promoter. The redis connection is owned by the caller.
func (q *Queue) Close() {
	close(q.stopPromoter)
	<-q.promoterDone
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

func (q *Queue) key(suffix string) string {
	return q.prefix + ":" + suffix
}

func (q *Queue) jobKey(id string) string {
	return q.prefix + ":job:" + id
}

// Enqueue stores a new job and pushes it onto the waiting list. It returns
// the assigned job id.
func (q *Queue) Enqueue(ctx context.Context, language, code string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	pipe := q.rc.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"language", language,
		"code", code,
		"state", string(models.StateWaiting),
		"attempts", 0,
		"createdAt", now.Format(time.RFC3339Nano),
	)
	pipe.LPush(ctx, q.key("waiting"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("Job enqueued", zap.String("job_id", id), zap.String("language", language))
	return id, nil
}

// EnqueueDelayed stores a new job that becomes eligible for delivery after
// the given delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, language, code string, delay time.Duration) (string, error) {
	if delay <= 0 {
		return q.Enqueue(ctx, language, code)
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	promoteAt := now.Add(delay)

	pipe := q.rc.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"language", language,
		"code", code,
		"state", string(models.StateDelayed),
		"attempts", 0,
		"createdAt", now.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{
		Score:  float64(promoteAt.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue delayed job: %w", err)
	}

	q.logger.Debug("Job enqueued with delay",
		zap.String("job_id", id), zap.Duration("delay", delay))
	return id, nil
}

// Dequeue blocks up to the given timeout for the next waiting job, moves it
// to the active list and returns it with attempts incremented. A nil job
// means the timeout elapsed with nothing to do.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	id, err := q.rc.BRPopLPush(ctx, q.key("waiting"), q.key("active"), timeout)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	now := time.Now().UTC()
	if err := q.rc.HSet(ctx, q.jobKey(id),
		"state", string(models.StateActive),
		"processedAt", now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}
	if _, err := q.rc.HIncrBy(ctx, q.jobKey(id), "attempts", 1); err != nil {
		return nil, fmt.Errorf("count attempt: %w", err)
	}

	return q.Job(ctx, id)
}

// Job loads one job by id.
func (q *Queue) Job(ctx context.Context, id string) (*models.Job, error) {
	fields, err := q.rc.HGetAll(ctx, q.jobKey(id))
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(id, fields), nil
}

// Complete records a successful result and releases the job from the active
// list. Completing a job already in a terminal state is a logged no-op.
func (q *Queue) Complete(ctx context.Context, id, output string) error {
	return q.finish(ctx, id, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, q.jobKey(id),
			"state", string(models.StateCompleted),
			"output", output,
			"finishedAt", time.Now().UTC().Format(time.RFC3339Nano),
		)
	})
}

// Fail records a failure reason. While attempts remain the job goes back to
// the waiting list; otherwise it is failed for good.
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	job, err := q.Job(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		q.logger.Warn("Ignoring Fail on finished job",
			zap.String("job_id", id), zap.String("state", string(job.State)))
		return nil
	}

	if job.Attempts < q.cfg.MaxAttempts {
		pipe := q.rc.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id),
			"state", string(models.StateWaiting),
			"failedReason", reason,
		)
		pipe.LRem(ctx, q.key("active"), 0, id)
		pipe.LPush(ctx, q.key("waiting"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue job %s: %w", id, err)
		}
		q.logger.Info("Job requeued after failure",
			zap.String("job_id", id), zap.Int("attempts", job.Attempts))
		return nil
	}

	return q.finish(ctx, id, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, q.jobKey(id),
			"state", string(models.StateFailed),
			"failedReason", reason,
			"finishedAt", time.Now().UTC().Format(time.RFC3339Nano),
		)
	})
}

// finish applies a terminal hash update and removes the id from the active
// list, refusing to regress a job that is already terminal.
func (q *Queue) finish(ctx context.Context, id string, update func(redis.Pipeliner)) error {
	job, err := q.Job(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		q.logger.Warn("Ignoring terminal update on finished job",
			zap.String("job_id", id), zap.String("state", string(job.State)))
		return nil
	}

	pipe := q.rc.TxPipeline()
	update(pipe)
	pipe.LRem(ctx, q.key("active"), 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

// RecoverStalled sweeps the active list for jobs a previous process left
// behind. Depending on configuration they are re-queued or failed with
// StalledReason. Returns how many jobs were swept.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	ids, err := q.rc.LRange(ctx, q.key("active"), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("scan active list: %w", err)
	}

	swept := 0
	for _, id := range ids {
		job, err := q.Job(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Hash is gone; drop the dangling list entry.
			_ = q.rc.LRem(ctx, q.key("active"), 0, id)
			continue
		}
		if err != nil {
			return swept, err
		}
		if job.State.Terminal() {
			// Finished but not yet removed from the list; tidy up.
			_ = q.rc.LRem(ctx, q.key("active"), 0, id)
			continue
		}

		if err := q.rc.HSet(ctx, q.jobKey(id), "state", string(models.StateStalled)); err != nil {
			return swept, fmt.Errorf("mark job %s stalled: %w", id, err)
		}

		if q.cfg.RetryStalled && job.Attempts < q.cfg.MaxAttempts {
			pipe := q.rc.TxPipeline()
			pipe.HSet(ctx, q.jobKey(id), "state", string(models.StateWaiting))
			pipe.LRem(ctx, q.key("active"), 0, id)
			pipe.LPush(ctx, q.key("waiting"), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return swept, fmt.Errorf("requeue stalled job %s: %w", id, err)
			}
			q.logger.Warn("Re-queued stalled job", zap.String("job_id", id))
		} else {
			pipe := q.rc.TxPipeline()
			pipe.HSet(ctx, q.jobKey(id),
				"state", string(models.StateFailed),
				"failedReason", StalledReason,
				"finishedAt", time.Now().UTC().Format(time.RFC3339Nano),
			)
			pipe.LRem(ctx, q.key("active"), 0, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return swept, fmt.Errorf("fail stalled job %s: %w", id, err)
			}
			q.logger.Warn("Failed stalled job", zap.String("job_id", id))
		}
		swept++
	}
	return swept, nil
}

// Counts reports the depth of each queue structure.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	waiting, err := q.rc.LLen(ctx, q.key("waiting"))
	if err != nil {
		return nil, err
	}
	active, err := q.rc.LLen(ctx, q.key("active"))
	if err != nil {
		return nil, err
	}
	delayed, err := q.rc.ZCard(ctx, q.key("delayed"))
	if err != nil {
		return nil, err
	}
	return map[string]int64{
		"waiting": waiting,
		"active":  active,
		"delayed": delayed,
	}, nil
}

// Ping checks the broker connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rc.Ping(ctx)
}

// runPromoter periodically moves due delayed jobs onto the waiting list.
func (q *Queue) runPromoter() {
	defer close(q.promoterDone)
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopPromoter:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := q.promoteDue(ctx); err != nil {
				q.logger.Warn("Delayed job promotion failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// promoteDue moves every delayed job whose promote-at time has passed.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now().UTC().UnixMilli()
	ids, err := q.rc.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		pipe := q.rc.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.HSet(ctx, q.jobKey(id), "state", string(models.StateWaiting))
		pipe.LPush(ctx, q.key("waiting"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
		q.logger.Debug("Promoted delayed job", zap.String("job_id", id))
	}
	return nil
}

func jobFromHash(id string, fields map[string]string) *models.Job {
	job := &models.Job{
		ID:           id,
		Language:     fields["language"],
		Code:         fields["code"],
		State:        models.JobState(fields["state"]),
		Output:       fields["output"],
		FailedReason: fields["failedReason"],
	}
	if v := fields["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	job.CreatedAt = parseTime(fields["createdAt"])
	job.ProcessedAt = parseTime(fields["processedAt"])
	job.FinishedAt = parseTime(fields["finishedAt"])
	return job
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

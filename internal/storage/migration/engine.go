// Package migration moves aged hot segments to the cold tier in the
// background.
package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/storage"
	"github.com/xtxerr/chronotier/internal/storage/hot"
)

// Compactor is the storage surface the engine drives.
type Compactor interface {
	HotSegments(ctx context.Context) ([]hot.Segment, error)
	Compress(ctx context.Context, symbol, tf string, ageThreshold time.Duration) (*storage.CompressResult, error)
}

// Config holds engine options.
type Config struct {
	// Interval between scheduling passes.
	Interval time.Duration

	// Workers is the number of concurrent migrations.
	Workers int

	// Age is the threshold passed to Compress, normally the hot window.
	Age time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Job migrates one segment.
type Job struct {
	Symbol    string
	Timeframe string
}

func (j Job) String() string {
	return j.Symbol + "/" + j.Timeframe
}

// Engine schedules Compress for every hot segment holding rows older than
// the age threshold.
type Engine struct {
	mu sync.RWMutex

	config Config
	target Compactor
	log    *zap.Logger

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Job queue
	jobCh   chan Job
	pending map[Job]struct{}
	pendMu  sync.Mutex

	stats Stats
}

// Stats holds migration statistics.
type Stats struct {
	JobsScheduled atomic.Int64
	JobsCompleted atomic.Int64
	JobsFailed    atomic.Int64
	RowsMigrated  atomic.Int64
	PartsWritten  atomic.Int64
	BytesWritten  atomic.Int64
}

// New creates a new migration engine.
func New(cfg Config, target Compactor, log *zap.Logger) (*Engine, error) {
	if target == nil {
		return nil, fmt.Errorf("migration target: %w", errors.ErrMissingField)
	}
	if cfg.Age <= 0 {
		return nil, errors.NewValidation("migration age", "must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Engine{
		config:  cfg,
		target:  target,
		log:     log,
		pending: make(map[Job]struct{}),
	}, nil
}

// Start starts the workers and the scheduler.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return errors.ErrAlreadyRunning
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.jobCh = make(chan Job, 100)
	e.running.Store(true)

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.wg.Add(1)
	go e.scheduler()

	return nil
}

// Stop stops the engine and waits for in-flight migrations. Stopping an
// engine that is not running returns ErrNotRunning.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return errors.ErrNotRunning
	}
	e.running.Store(false)
	e.cancel()
	close(e.jobCh)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for job := range e.jobCh {
		e.runJob(e.ctx, job)
		e.pendMu.Lock()
		delete(e.pending, job)
		e.pendMu.Unlock()
	}
}

func (e *Engine) scheduler() {
	defer e.wg.Done()

	e.scheduleJobs()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scheduleJobs()
		}
	}
}

// Eligible returns the segments with hot rows older than the threshold.
func (e *Engine) Eligible(ctx context.Context) ([]Job, error) {
	segs, err := e.target.HotSegments(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := e.config.Now().Add(-e.config.Age).Unix()

	var jobs []Job
	for _, s := range segs {
		if s.MinTs < cutoff {
			jobs = append(jobs, Job{Symbol: s.Symbol, Timeframe: s.Timeframe})
		}
	}
	return jobs, nil
}

func (e *Engine) scheduleJobs() {
	jobs, err := e.Eligible(e.ctx)
	if err != nil {
		e.log.Warn("list hot segments", zap.Error(err))
		return
	}
	for _, job := range jobs {
		e.SubmitJob(job)
	}
}

// SubmitJob queues a job unless the same segment is already queued.
func (e *Engine) SubmitJob(job Job) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running.Load() {
		return false
	}

	e.pendMu.Lock()
	if _, ok := e.pending[job]; ok {
		e.pendMu.Unlock()
		return false
	}
	e.pending[job] = struct{}{}
	e.pendMu.Unlock()

	select {
	case e.jobCh <- job:
		e.stats.JobsScheduled.Add(1)
		return true
	default:
		// Queue full
		e.pendMu.Lock()
		delete(e.pending, job)
		e.pendMu.Unlock()
		return false
	}
}

// RunOnce migrates every eligible segment synchronously with at most
// Workers concurrent migrations. It returns the joined failures.
func (e *Engine) RunOnce(ctx context.Context) error {
	jobs, err := e.Eligible(ctx)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for _, job := range jobs {
		job := job
		e.stats.JobsScheduled.Add(1)
		g.Go(func() error {
			if err := e.runJob(gctx, job); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", job, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) runJob(ctx context.Context, job Job) error {
	res, err := e.target.Compress(ctx, job.Symbol, job.Timeframe, e.config.Age)
	if err != nil {
		e.stats.JobsFailed.Add(1)
		e.log.Warn("migration failed",
			zap.String("segment", job.String()),
			zap.Error(err))
		return err
	}

	e.stats.JobsCompleted.Add(1)
	e.stats.RowsMigrated.Add(res.Rows)
	e.stats.PartsWritten.Add(int64(len(res.Parts)))
	e.stats.BytesWritten.Add(res.Bytes)

	if res.Rows > 0 {
		e.log.Info("segment migrated",
			zap.String("segment", job.String()),
			zap.Int64("rows", res.Rows),
			zap.Int("parts", len(res.Parts)),
			zap.Duration("duration", res.Duration))
	}
	return nil
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:       e.running.Load(),
		JobsScheduled: e.stats.JobsScheduled.Load(),
		JobsCompleted: e.stats.JobsCompleted.Load(),
		JobsFailed:    e.stats.JobsFailed.Load(),
		RowsMigrated:  e.stats.RowsMigrated.Load(),
		PartsWritten:  e.stats.PartsWritten.Load(),
		BytesWritten:  e.stats.BytesWritten.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running       bool
	JobsScheduled int64
	JobsCompleted int64
	JobsFailed    int64
	RowsMigrated  int64
	PartsWritten  int64
	BytesWritten  int64
}

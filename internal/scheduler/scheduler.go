// Package scheduler provides heap-based refresh scheduling per timeframe.
//
// The scheduler keeps a min-heap of the next due time of every timeframe.
// Timeframes that fall due together are handed to the run function as one
// batch, so that a coarse timeframe can be aggregated from a finer one
// refreshed in the same pass.
//
// Key features:
//   - O(log n) add/remove/update operations
//   - Finer timeframes with shorter intervals run more often
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xtxerr/chronotier/config"
	"github.com/xtxerr/chronotier/internal/logging"
)

// =============================================================================
// Types
// =============================================================================

// RunFunc refreshes the given timeframes. It must honor ctx.
type RunFunc func(ctx context.Context, timeframes []string) error

// Item is one scheduled timeframe.
type Item struct {
	Timeframe string
	Next      time.Time
	Interval  time.Duration
	index     int
}

// =============================================================================
// Heap Implementation
// =============================================================================

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Next.Equal(h[j].Next) {
		return h[i].Interval < h[j].Interval
	}
	return h[i].Next.Before(h[j].Next)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// Config holds scheduler configuration.
type Config struct {
	// DrainTimeout is how long an in-flight run may continue after
	// shutdown before its context is canceled.
	DrainTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		DrainTimeout: time.Duration(config.DefaultDrainTimeoutSec) * time.Second,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs timeframe refreshes when they fall due.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	heap   itemHeap
	byName map[string]*Item

	run          RunFunc
	drainTimeout time.Duration
	now          func() time.Time
	wakeup       chan struct{}
	log          *zap.Logger

	runs     atomic.Int64
	failures atomic.Int64
	drained  atomic.Int64
}

// Stats holds scheduler counters.
type Stats struct {
	Runs      int64
	Failures  int64
	Canceled  int64
	Scheduled int
}

// New creates a scheduler calling run for due timeframes.
func New(cfg Config, run RunFunc) *Scheduler {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		byName:       make(map[string]*Item),
		run:          run,
		drainTimeout: cfg.DrainTimeout,
		now:          cfg.Now,
		wakeup:       make(chan struct{}, 1),
		log:          logging.Component("scheduler"),
	}
}

// Add schedules tf every interval, first due immediately. Adding a known
// timeframe updates its interval.
func (s *Scheduler) Add(tf string, interval time.Duration) {
	s.mu.Lock()
	if item, ok := s.byName[tf]; ok {
		item.Interval = interval
		s.mu.Unlock()
		return
	}
	item := &Item{Timeframe: tf, Next: s.now(), Interval: interval}
	heap.Push(&s.heap, item)
	s.byName[tf] = item
	s.mu.Unlock()
	s.notify()
}

// Remove unschedules tf.
func (s *Scheduler) Remove(tf string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byName[tf]
	if !ok {
		return
	}
	heap.Remove(&s.heap, item.index)
	delete(s.byName, tf)
}

// Contains reports whether tf is scheduled.
func (s *Scheduler) Contains(tf string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[tf]
	return ok
}

// Due removes every timeframe due at now from the front of the heap,
// reschedules it one interval later and returns the names ordered by
// interval, finest first.
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Item
	for len(s.heap) > 0 && !s.heap[0].Next.After(now) {
		due = append(due, heap.Pop(&s.heap).(*Item))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Interval < due[j].Interval })

	names := make([]string, len(due))
	for i, item := range due {
		names[i] = item.Timeframe
		item.Next = now.Add(item.Interval)
		heap.Push(&s.heap, item)
	}
	return names
}

// NextDue returns the earliest due time.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].Next, true
}

func (s *Scheduler) notify() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	n := len(s.heap)
	s.mu.Unlock()
	return Stats{
		Runs:      s.runs.Load(),
		Failures:  s.failures.Load(),
		Canceled:  s.drained.Load(),
		Scheduled: n,
	}
}

// =============================================================================
// Run Loop
// =============================================================================

// Run executes due refreshes until ctx is done. A run in flight at
// shutdown may finish within the drain timeout; after that its context is
// canceled and Run waits for it to return.
func (s *Scheduler) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	for {
		if due := s.Due(s.now()); len(due) > 0 {
			done := make(chan error, 1)
			go func() { done <- s.run(runCtx, due) }()

			select {
			case err := <-done:
				s.record(due, err)
			case <-ctx.Done():
				s.drain(done, cancel, due)
				return
			}
		}

		wait := time.Hour
		if next, ok := s.NextDue(); ok {
			wait = next.Sub(s.now())
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) drain(done <-chan error, cancel context.CancelFunc, due []string) {
	s.log.Info("draining in-flight refresh",
		zap.Strings("timeframes", due),
		zap.Duration("timeout", s.drainTimeout))

	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		s.record(due, err)
	case <-timer.C:
		s.log.Warn("scheduler drain timeout, canceling refresh", zap.Strings("timeframes", due))
		cancel()
		s.drained.Add(1)
		s.record(due, <-done)
	}
}

func (s *Scheduler) record(due []string, err error) {
	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
		s.log.Warn("refresh failed", zap.Strings("timeframes", due), zap.Error(err))
	}
}

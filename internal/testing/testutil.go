// Package testing provides test utilities shared by chronotier packages:
// goroutine error collection and deterministic bar fixtures.
//
// t.Fatal and t.FailNow only stop the goroutine that calls them, so
// concurrent writers in tests return errors to a GoroutineTest instead.
package testing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Concurrent writers
// =============================================================================

// GoroutineTest runs functions concurrently and reports their errors on
// Wait.
//
//	gt := testutil.NewGoroutineTest(t)
//	gt.Go(func() error {
//	    return mgr.Store(ctx, s, "5m", "writer-a")
//	})
//	gt.Wait()
type GoroutineTest struct {
	t  *testing.T
	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest creates a collector bound to t.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return &GoroutineTest{t: t}
}

// Go runs fn in its own goroutine.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait blocks until every function returned and fails the test on the
// first collected error, listing all of them.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errs) == 0 {
		return
	}
	for i, err := range gt.errs {
		gt.t.Errorf("goroutine error %d/%d: %v", i+1, len(gt.errs), err)
	}
	gt.t.FailNow()
}

// Eventually polls condition every interval until it holds or timeout
// passes.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}

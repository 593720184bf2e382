package testing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTestCollects(t *testing.T) {
	gt := NewGoroutineTest(t)
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		gt.Go(func() error {
			n.Add(1)
			return nil
		})
	}
	gt.Wait()
	if n.Load() != 10 {
		t.Errorf("ran %d goroutines, want 10", n.Load())
	}
}

func TestEventually(t *testing.T) {
	start := time.Now()
	if err := Eventually(time.Second, time.Millisecond, func() bool {
		return time.Since(start) > 5*time.Millisecond
	}); err != nil {
		t.Fatal(err)
	}
	if err := Eventually(10*time.Millisecond, time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected timeout error")
	}
}

func TestRandomWalkValid(t *testing.T) {
	bars := RandomWalk("BTCUSDT", 1717200000, 300, 500, 7)
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			t.Fatalf("bar %d: %v", i, err)
		}
		if i > 0 && b.Timestamp-bars[i-1].Timestamp != 300 {
			t.Fatalf("bar %d: spacing %d", i, b.Timestamp-bars[i-1].Timestamp)
		}
	}

	again := RandomWalk("BTCUSDT", 1717200000, 300, 500, 7)
	if again[499] != bars[499] {
		t.Error("same seed must give same bars")
	}
}

func TestWithGapsAndDrop(t *testing.T) {
	bars := RandomWalk("ETHUSDT", 0, 60, 10, 1)

	gapped := WithGaps(bars, 2, 3)
	if !gapped[2].Gap || !gapped[3].Gap || bars[2].Gap {
		t.Error("WithGaps must copy and mark")
	}

	dropped := Drop(bars, 4, 7)
	if len(dropped) != 7 || dropped[4].Timestamp != bars[7].Timestamp {
		t.Errorf("unexpected drop result: %d bars", len(dropped))
	}
}

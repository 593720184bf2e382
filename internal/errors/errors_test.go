package errors

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestCategories(t *testing.T) {
	start := time.Unix(1000, 0)
	tests := []struct {
		name      string
		err       error
		misuse    bool
		retriable bool
		soft      bool
	}{
		{"invalid range", NewInvalidRange(start, start), true, false, false},
		{"unsupported ratio", NewUnsupportedRatio("5m", "7m"), true, false, false},
		{"unknown timeframe", NewUnknownTimeframe("3x"), true, false, false},
		{"storage io", NewStorageIO("insert", io.ErrUnexpectedEOF), false, true, false},
		{"wrapped timeout", fmt.Errorf("load: %w", ErrTimeout), false, true, false},
		{"gap", &GapError{Symbol: "ETH", Start: 1, End: 2, Bars: 2}, false, false, true},
		{"coverage", &CoverageError{Symbol: "ETH", Coverage: 0.9, Minimum: 0.95}, false, false, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMisuse(tt.err); got != tt.misuse {
				t.Errorf("IsMisuse = %v, want %v", got, tt.misuse)
			}
			if got := IsRetriable(tt.err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v", got, tt.retriable)
			}
			if got := IsSoft(tt.err); got != tt.soft {
				t.Errorf("IsSoft = %v, want %v", got, tt.soft)
			}
		})
	}
}

func TestStorageIOKeepsCause(t *testing.T) {
	err := NewStorageIO("write part", context.DeadlineExceeded)
	if !Is(err, ErrStorageIO) || !Is(err, context.DeadlineExceeded) {
		t.Fatalf("both sentinel and cause must be visible: %v", err)
	}
	if NewStorageIO("noop", nil) != nil {
		t.Error("nil cause must give nil")
	}
}

func TestTypedErrorsAs(t *testing.T) {
	err := Wrap(&CoverageError{Symbol: "ETHUSDT", Timeframe: "5m", Coverage: 0.898, Minimum: 0.95}, "validate")

	var ce *CoverageError
	if !As(err, &ce) {
		t.Fatal("expected CoverageError")
	}
	if ce.Symbol != "ETHUSDT" {
		t.Errorf("symbol = %s", ce.Symbol)
	}
	if !Is(err, ErrInsufficientCoverage) {
		t.Error("expected ErrInsufficientCoverage")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("empty collector must give nil")
	}

	v.AddMissing("data_dir")
	v.AddField("workers", "must be positive")
	v.Add(nil)

	if len(v.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(v.Errors))
	}
	err := v.Err()
	if !Is(err, ErrMissingField) || !Is(err, ErrInvalidConfig) {
		t.Errorf("collected sentinels must be visible: %v", err)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Error("wrapping nil must give nil")
	}
}

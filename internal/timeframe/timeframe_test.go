package timeframe

import (
	"testing"
	"time"

	"github.com/xtxerr/chronotier/internal/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"4H", 4 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"7", 0, true},
		{"0m", 0, true},
		{"5y", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tf, err := Parse(tt.name)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrUnknownTimeframe) {
					t.Fatalf("expected ErrUnknownTimeframe, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if tf.Duration != tt.want {
				t.Errorf("duration = %v, want %v", tf.Duration, tt.want)
			}
		})
	}
}

func TestTruncateCalendarAligned(t *testing.T) {
	ts := time.Date(2024, 3, 13, 14, 37, 12, 0, time.UTC).Unix() // Wednesday

	tests := []struct {
		tf   string
		want time.Time
	}{
		{"5m", time.Date(2024, 3, 13, 14, 35, 0, 0, time.UTC)},
		{"15m", time.Date(2024, 3, 13, 14, 30, 0, 0, time.UTC)},
		{"1h", time.Date(2024, 3, 13, 14, 0, 0, 0, time.UTC)},
		{"4h", time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)},
		{"1d", time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)},
		{"1w", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)}, // Monday
	}

	for _, tt := range tests {
		got := MustParse(tt.tf).Truncate(ts)
		if got != tt.want.Unix() {
			t.Errorf("%s: Truncate = %v, want %v", tt.tf, time.Unix(got, 0).UTC(), tt.want)
		}
	}
}

func TestCeil(t *testing.T) {
	tf := MustParse("1h")
	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).Unix()

	if got := tf.Ceil(hour); got != hour {
		t.Errorf("Ceil on grid should be identity, got %d", got)
	}
	if got := tf.Ceil(hour + 1); got != hour+3600 {
		t.Errorf("Ceil(hour+1) = %d, want %d", got, hour+3600)
	}
}

func TestNewMapping(t *testing.T) {
	tests := []struct {
		base, target string
		ratio        int
		wantErr      bool
	}{
		{"5m", "1h", 12, false},
		{"5m", "15m", 3, false},
		{"15m", "1h", 4, false},
		{"1h", "1d", 24, false},
		{"1d", "1w", 7, false},
		{"5m", "7m", 0, true},
		{"1h", "5m", 0, true},
		{"3d", "1w", 0, true},
	}

	for _, tt := range tests {
		m, err := NewMapping(MustParse(tt.base), MustParse(tt.target))
		if tt.wantErr {
			if !errors.Is(err, errors.ErrUnsupportedRatio) {
				t.Errorf("%s->%s: expected ErrUnsupportedRatio, got %v", tt.base, tt.target, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s->%s: %v", tt.base, tt.target, err)
			continue
		}
		if m.Ratio != tt.ratio {
			t.Errorf("%s->%s: ratio = %d, want %d", tt.base, tt.target, m.Ratio, tt.ratio)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	names := r.Names()
	if names[0] != "1m" || names[len(names)-1] != "1w" {
		t.Errorf("unexpected order: %v", names)
	}

	if _, err := r.Get("2m"); !errors.Is(err, errors.ErrUnknownTimeframe) {
		t.Errorf("expected ErrUnknownTimeframe, got %v", err)
	}

	m, err := r.Mapping("5m", "1h")
	if err != nil {
		t.Fatalf("Mapping: %v", err)
	}
	if m.Ratio != 12 {
		t.Errorf("ratio = %d", m.Ratio)
	}
}

func TestRegistryRejectsBadSource(t *testing.T) {
	_, err := NewRegistry(
		Timeframe{Name: "5m", Duration: 5 * time.Minute},
		Timeframe{Name: "7m", Duration: 7 * time.Minute, Source: "5m"},
	)
	if !errors.Is(err, errors.ErrUnsupportedRatio) {
		t.Fatalf("expected ErrUnsupportedRatio, got %v", err)
	}

	_, err = NewRegistry(
		Timeframe{Name: "1h", Duration: time.Hour, Source: "2m"},
	)
	if !errors.Is(err, errors.ErrUnknownTimeframe) {
		t.Fatalf("expected ErrUnknownTimeframe, got %v", err)
	}
}

func TestFinestDivisor(t *testing.T) {
	done := []Timeframe{MustParse("5m"), MustParse("15m"), MustParse("1h")}

	got, ok := FinestDivisor(MustParse("4h"), done)
	if !ok || got.Name != "5m" {
		t.Errorf("FinestDivisor(4h) = %v, %v", got, ok)
	}

	if _, ok := FinestDivisor(MustParse("5m"), done); ok {
		t.Error("5m has no finer divisor")
	}
}

// Package events carries structured progress notifications out of the
// alignment and storage engines. Components emit events to a Sink and never
// print or assume a particular UI.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Kind identifies an event type.
type Kind string

const (
	KindSessionTransition Kind = "session_transition"
	KindDuplicateResolved Kind = "duplicate_resolved"
	KindFillForward       Kind = "fill_forward"
	KindGapDetected       Kind = "gap_detected"
	KindOffGridDropped    Kind = "off_grid_dropped"
	KindTimeframeDone     Kind = "timeframe_done"
	KindTimeframeDegraded Kind = "timeframe_degraded"
	KindCoherenceMismatch Kind = "coherence_mismatch"
	KindStored            Kind = "stored"
	KindMigrationDone     Kind = "migration_completed"
	KindMigrationFailed   Kind = "migration_failed"
)

// Event is one notification. Fields not relevant to a kind are left zero.
type Event struct {
	Kind      Kind
	Time      time.Time
	SessionID string
	Symbol    string
	Timeframe string
	From      string
	To        string
	Count     int
	Value     float64
	Message   string
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// OrNop returns s, or Nop if s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// =============================================================================
// Log sink
// =============================================================================

// LogSink writes events to a zap logger. Quality warnings log at warn level,
// everything else at debug.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink writing to log.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Emit logs e.
func (s *LogSink) Emit(e Event) {
	level := zapcore.DebugLevel
	switch e.Kind {
	case KindDuplicateResolved, KindFillForward, KindTimeframeDegraded,
		KindCoherenceMismatch, KindMigrationFailed:
		level = zapcore.WarnLevel
	case KindSessionTransition, KindMigrationDone, KindTimeframeDone:
		level = zapcore.InfoLevel
	}

	ce := s.log.Check(level, string(e.Kind))
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 8)
	if e.SessionID != "" {
		fields = append(fields, zap.String("session_id", e.SessionID))
	}
	if e.Symbol != "" {
		fields = append(fields, zap.String("symbol", e.Symbol))
	}
	if e.Timeframe != "" {
		fields = append(fields, zap.String("timeframe", e.Timeframe))
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
	}
	if e.Count != 0 {
		fields = append(fields, zap.Int("count", e.Count))
	}
	if e.Value != 0 {
		fields = append(fields, zap.Float64("value", e.Value))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("detail", e.Message))
	}
	ce.Write(fields...)
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder keeps every event in memory. Used by tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

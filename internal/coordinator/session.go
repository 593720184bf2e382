package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/events"
)

// =============================================================================
// Session States
// =============================================================================

// State is the lifecycle state of one timeframe session.
type State string

const (
	// StateRequested indicates the session was created but no work started.
	StateRequested State = "REQUESTED"

	// StateAligning indicates raw bars are being fetched and aligned.
	StateAligning State = "ALIGNING"

	// StateAggregating indicates bars are being built from a finer timeframe.
	StateAggregating State = "AGGREGATING"

	// StateValidating indicates coverage and coherence are being checked.
	StateValidating State = "VALIDATING"

	// StateStoring indicates bars are being written to tiered storage.
	StateStoring State = "STORING"

	// StateCaching indicates the query cache is being populated.
	StateCaching State = "CACHING"

	// StateComplete is terminal.
	StateComplete State = "COMPLETE"

	// StateFailed is terminal. A failed session is never resumed.
	StateFailed State = "FAILED"
)

// transitions lists the allowed successor states.
var transitions = map[State][]State{
	StateRequested:   {StateAligning},
	StateAligning:    {StateAggregating, StateValidating, StateFailed},
	StateAggregating: {StateValidating, StateFailed},
	StateValidating:  {StateStoring},
	StateStoring:     {StateCaching, StateFailed},
	StateCaching:     {StateComplete},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no successors.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// =============================================================================
// Session
// =============================================================================

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Session tracks the processing of one timeframe for a symbol set.
//
// Sessions only move forward. Every transition is emitted as a
// session_transition event.
//
// Session is safe for concurrent use.
type Session struct {
	ID        string
	Timeframe string
	Symbols   []string

	mu      sync.RWMutex
	state   State
	history []Transition
	err     error

	sink events.Sink
	now  func() time.Time
}

// NewSession creates a session in REQUESTED.
func NewSession(tf string, symbols []string, sink events.Sink) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Timeframe: tf,
		Symbols:   symbols,
		state:     StateRequested,
		sink:      events.OrNop(sink),
		now:       time.Now,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure cause of a FAILED session.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// History returns a copy of the recorded transitions.
func (s *Session) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// Transition moves the session to state to.
func (s *Session) Transition(to State) error {
	return s.move(to, nil)
}

// Fail moves the session to FAILED with cause.
func (s *Session) Fail(cause error) error {
	return s.move(StateFailed, cause)
}

func (s *Session) move(to State, cause error) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %s -> %s: %w", s.ID, from, to, errors.ErrInvalidTransition)
	}
	at := s.now()
	s.state = to
	s.err = cause
	s.history = append(s.history, Transition{From: from, To: to, At: at})
	s.mu.Unlock()

	e := events.Event{
		Kind:      events.KindSessionTransition,
		Time:      at,
		SessionID: s.ID,
		Timeframe: s.Timeframe,
		From:      string(from),
		To:        string(to),
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	s.sink.Emit(e)
	return nil
}

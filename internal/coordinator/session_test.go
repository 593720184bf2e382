package coordinator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/chronotier/internal/errors"
	"github.com/xtxerr/chronotier/internal/events"
)

func states(s *Session) []State {
	var out []State
	for _, tr := range s.History() {
		out = append(out, tr.To)
	}
	return out
}

func TestSessionFullPath(t *testing.T) {
	rec := &events.Recorder{}
	s := NewSession("1h", []string{"BTCUSDT"}, rec)
	assert.Equal(t, StateRequested, s.State())
	assert.NotEmpty(t, s.ID)

	path := []State{StateAligning, StateAggregating, StateValidating, StateStoring, StateCaching, StateComplete}
	for _, st := range path {
		require.NoError(t, s.Transition(st), "to %s", st)
	}
	assert.Equal(t, path, states(s))
	assert.True(t, s.State().Terminal())

	evs := rec.OfKind(events.KindSessionTransition)
	require.Len(t, evs, len(path))
	assert.Equal(t, "REQUESTED", evs[0].From)
	assert.Equal(t, "ALIGNING", evs[0].To)
	assert.Equal(t, s.ID, evs[5].SessionID)
	assert.Equal(t, "1h", evs[5].Timeframe)
}

func TestSessionSkipsAggregation(t *testing.T) {
	s := NewSession("5m", []string{"BTCUSDT"}, nil)
	for _, st := range []State{StateAligning, StateValidating, StateStoring, StateCaching, StateComplete} {
		require.NoError(t, s.Transition(st))
	}
	assert.Equal(t, StateComplete, s.State())
}

func TestSessionRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		next State
	}{
		{"skip aligning", nil, StateValidating},
		{"regress", []State{StateAligning, StateValidating}, StateAligning},
		{"aggregate after validating", []State{StateAligning, StateValidating}, StateAggregating},
		{"cache before storing", []State{StateAligning, StateValidating}, StateCaching},
		{"leave complete", []State{StateAligning, StateValidating, StateStoring, StateCaching, StateComplete}, StateAligning},
		{"self loop", []State{StateAligning}, StateAligning},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("5m", nil, nil)
			for _, st := range tt.path {
				require.NoError(t, s.Transition(st))
			}
			before := s.State()
			err := s.Transition(tt.next)
			assert.ErrorIs(t, err, errors.ErrInvalidTransition)
			assert.Equal(t, before, s.State())
		})
	}
}

func TestSessionFail(t *testing.T) {
	cause := errors.NewMissingSymbol("ETHUSDT", "5m")

	for _, from := range [][]State{
		{StateAligning},
		{StateAligning, StateAggregating},
		{StateAligning, StateValidating, StateStoring},
	} {
		s := NewSession("5m", nil, nil)
		for _, st := range from {
			require.NoError(t, s.Transition(st))
		}
		require.NoError(t, s.Fail(cause), "fail from %s", s.State())
		assert.Equal(t, StateFailed, s.State())
		assert.ErrorIs(t, s.Err(), errors.ErrRequiredSymbolMissing)

		// FAILED is terminal.
		assert.ErrorIs(t, s.Transition(StateAligning), errors.ErrInvalidTransition)
	}

	for _, from := range [][]State{
		nil,
		{StateAligning, StateValidating},
		{StateAligning, StateValidating, StateStoring, StateCaching},
	} {
		s := NewSession("5m", nil, nil)
		for _, st := range from {
			require.NoError(t, s.Transition(st))
		}
		assert.ErrorIs(t, s.Fail(fmt.Errorf("boom")), errors.ErrInvalidTransition, "fail from %s", s.State())
	}
}

func TestSessionFailureIsRecordedInEvent(t *testing.T) {
	rec := &events.Recorder{}
	s := NewSession("5m", nil, rec)
	require.NoError(t, s.Transition(StateAligning))
	require.NoError(t, s.Fail(errors.NewMissingSymbol("ETHUSDT", "5m")))

	evs := rec.OfKind(events.KindSessionTransition)
	require.Len(t, evs, 2)
	assert.Equal(t, "FAILED", evs[1].To)
	assert.Contains(t, evs[1].Message, "ETHUSDT")
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := NewSession("5m", nil, nil)
	b := NewSession("5m", nil, nil)
	assert.NotEqual(t, a.ID, b.ID)
}

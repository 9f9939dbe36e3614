package tx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateActive, StatePreparing, true},
		{StateActive, StateRollingBack, true},
		{StateActive, StateCommitted, false},
		{StatePreparing, StatePrepared, true},
		{StatePreparing, StateActive, false},
		{StatePrepared, StateCommitting, true},
		{StatePrepared, StateRollingBack, true},
		{StateCommitting, StateCommitted, true},
		{StateCommitting, StateUnknown, true},
		{StateCommitting, StateRollingBack, false},
		{StateRollingBack, StateRolledBack, true},
		{StateCommitted, StateRollingBack, false},
		{StateRolledBack, StateActive, false},
		{StateUnknown, StateRolledBack, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for s := StateActive; s <= StateUnknown; s++ {
		terminal := s == StateCommitted || s == StateRolledBack || s == StateUnknown
		assert.Equal(t, terminal, s.Terminal(), s.String())
		if s.Terminal() {
			for to := StateActive; to <= StateUnknown; to++ {
				assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
			}
		}
	}
	assert.Equal(t, "State(42)", State(42).String())
}

func TestParseConcurrency(t *testing.T) {
	tests := []struct {
		in      string
		want    Concurrency
		wantErr bool
	}{
		{in: "", want: Pessimistic},
		{in: "pessimistic", want: Pessimistic},
		{in: " OPTIMISTIC ", want: Optimistic},
		{in: "eventual", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseConcurrency(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)

		again, err := ParseConcurrency(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
}

func TestParseIsolation(t *testing.T) {
	tests := []struct {
		in      string
		want    Isolation
		wantErr bool
	}{
		{in: "", want: RepeatableRead},
		{in: "read_committed", want: ReadCommitted},
		{in: "read-committed", want: ReadCommitted},
		{in: "REPEATABLE_READ", want: RepeatableRead},
		{in: "Serializable", want: Serializable},
		{in: "snapshot", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseIsolation(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)

		again, err := ParseIsolation(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
}

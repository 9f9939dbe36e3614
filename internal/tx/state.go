package tx

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a transaction.
type State int32

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
	StateUnknown
)

var stateNames = [...]string{
	StateActive:      "ACTIVE",
	StatePreparing:   "PREPARING",
	StatePrepared:    "PREPARED",
	StateCommitting:  "COMMITTING",
	StateCommitted:   "COMMITTED",
	StateRollingBack: "ROLLING_BACK",
	StateRolledBack:  "ROLLED_BACK",
	StateUnknown:     "UNKNOWN",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateUnknown
}

// transitions lists the legal successors of every state. A transaction never
// moves backwards.
var transitions = map[State][]State{
	StateActive:      {StatePreparing, StateRollingBack},
	StatePreparing:   {StatePrepared, StateRollingBack},
	StatePrepared:    {StateCommitting, StateRollingBack},
	StateCommitting:  {StateCommitted, StateUnknown},
	StateRollingBack: {StateRolledBack},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Concurrency selects when locks are taken.
type Concurrency int

const (
	// Pessimistic locks keys when they are first touched.
	Pessimistic Concurrency = iota
	// Optimistic locks keys at commit and validates the versions it observed.
	Optimistic
)

func (c Concurrency) String() string {
	switch c {
	case Pessimistic:
		return "PESSIMISTIC"
	case Optimistic:
		return "OPTIMISTIC"
	default:
		return fmt.Sprintf("Concurrency(%d)", int(c))
	}
}

// ParseConcurrency parses a configuration value, case-insensitively.
func ParseConcurrency(s string) (Concurrency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PESSIMISTIC", "":
		return Pessimistic, nil
	case "OPTIMISTIC":
		return Optimistic, nil
	default:
		return 0, fmt.Errorf("unknown concurrency mode %q", s)
	}
}

// Isolation selects what a transaction's reads observe.
type Isolation int

const (
	// ReadCommitted reads the latest committed value on every read.
	ReadCommitted Isolation = iota
	// RepeatableRead returns the first observed value on repeated reads.
	RepeatableRead
	// Serializable is RepeatableRead plus commit-time validation of reads.
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("Isolation(%d)", int(i))
	}
}

// ParseIsolation parses a configuration value, case-insensitively.
func ParseIsolation(s string) (Isolation, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case "READ_COMMITTED":
		return ReadCommitted, nil
	case "REPEATABLE_READ", "":
		return RepeatableRead, nil
	case "SERIALIZABLE":
		return Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

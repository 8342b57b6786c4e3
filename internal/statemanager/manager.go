package statemanager

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a bot runner.
type State string

const (
	Running State = "RUNNING"
	Paused  State = "PAUSED"
	Stopped State = "STOPPED"
	Error   State = "ERROR"
)

const historySize = 32

// Transition records one call to Set.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Snapshot is a consistent read of the current state.
type Snapshot struct {
	State  State
	Reason string
	Since  time.Time
}

// StateManager holds the runner lifecycle state and the reason for the last
// transition. It is bookkeeping only: no transition is rejected, the runner
// enforces behaviour on the edges it observes.
type StateManager struct {
	mu      sync.RWMutex
	state   State
	reason  string
	since   time.Time
	history []Transition
	now     func() time.Time
	logger  *zap.Logger
}

// NewStateManager creates a StateManager in the given initial state.
func NewStateManager(initial State, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		state:  initial,
		since:  time.Now(),
		now:    time.Now,
		logger: logger,
	}
}

// Set moves to state with reason and returns the previous state.
// An empty reason clears the stored one.
func (sm *StateManager) Set(state State, reason string) State {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev := sm.state
	now := sm.now()
	if prev != state {
		sm.since = now
		sm.logger.Info("state transition",
			zap.String("from", string(prev)),
			zap.String("to", string(state)),
			zap.String("reason", reason))
	}
	sm.state = state
	sm.reason = reason

	sm.history = append(sm.history, Transition{From: prev, To: state, Reason: reason, At: now})
	if len(sm.history) > historySize {
		sm.history = sm.history[len(sm.history)-historySize:]
	}
	return prev
}

// State returns the current state.
func (sm *StateManager) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// GetStateSnapshot returns state, reason and the time the state was entered.
func (sm *StateManager) GetStateSnapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return Snapshot{State: sm.state, Reason: sm.reason, Since: sm.since}
}

// History returns a copy of the most recent transitions, oldest first.
func (sm *StateManager) History() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]Transition, len(sm.history))
	copy(out, sm.history)
	return out
}

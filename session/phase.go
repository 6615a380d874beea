package session

import (
	"compression-detector/types"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase is a step in the responder's session lifecycle.
type Phase string

const (
	PhaseAwaitingControl Phase = "AWAITING_CONTROL"
	PhaseNegotiated      Phase = "NEGOTIATED"
	PhaseReceivingLow    Phase = "RECEIVING_LOW"
	PhaseLowComplete     Phase = "LOW_COMPLETE"
	PhaseReceivingHigh   Phase = "RECEIVING_HIGH"
	PhaseHighComplete    Phase = "HIGH_COMPLETE"
	PhaseDetected        Phase = "DETECTED"
	PhaseFailed          Phase = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid phase transition")

// transitions lists the forward moves; any non-terminal phase may also fail.
var transitions = map[Phase]Phase{
	PhaseAwaitingControl: PhaseNegotiated,
	PhaseNegotiated:      PhaseReceivingLow,
	PhaseReceivingLow:    PhaseLowComplete,
	PhaseLowComplete:     PhaseReceivingHigh,
	PhaseReceivingHigh:   PhaseHighComplete,
	PhaseHighComplete:    PhaseDetected,
}

func (p Phase) Terminal() bool {
	return p == PhaseDetected || p == PhaseFailed
}

func validateTransition(from, to Phase) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == PhaseFailed || transitions[from] == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Transition is one entry of a machine's history.
type Transition struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Err       error
}

// Machine tracks the phase of one session and records every transition.
type Machine struct {
	mu      sync.RWMutex
	id      string
	current Phase
	history []Transition
	clock   types.Clock
}

func NewMachine(id string, clock types.Clock) *Machine {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Machine{id: id, current: PhaseAwaitingControl, clock: clock}
}

func (m *Machine) ID() string { return m.id }

func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Advance moves to the given phase if the move is allowed.
func (m *Machine) Advance(to Phase) error {
	return m.transition(to, nil)
}

// Fail moves to FAILED and records the cause. Failing a terminal machine is
// a no-op so cleanup paths can call it unconditionally.
func (m *Machine) Fail(cause error) {
	if m.Current().Terminal() {
		return
	}
	_ = m.transition(PhaseFailed, cause)
}

func (m *Machine) transition(to Phase, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateTransition(m.current, to); err != nil {
		return err
	}
	m.history = append(m.history, Transition{
		From:      m.current,
		To:        to,
		Timestamp: m.clock.Now(),
		Err:       cause,
	})
	m.current = to
	return nil
}

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := make([]Transition, len(m.history))
	copy(history, m.history)
	return history
}

// Phases lists the phases visited, starting with the initial one.
func (m *Machine) Phases() []Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	phases := []Phase{PhaseAwaitingControl}
	for _, t := range m.history {
		phases = append(phases, t.To)
	}
	return phases
}

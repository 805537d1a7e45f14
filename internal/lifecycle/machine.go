// Package lifecycle tracks the sync subsystem's phase. One machine instance
// describes the whole remote sync driver, not individual chats.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hfortes/courier/internal/bus"
)

// Phase represents a sync lifecycle phase.
type Phase string

const (
	Idle      Phase = "IDLE"
	Syncing   Phase = "SYNCING"
	Completed Phase = "COMPLETED"
	Errored   Phase = "ERROR"
	Paused    Phase = "PAUSED"
)

// PauseReason explains why a sync pass is stalled.
type PauseReason string

const (
	WaitingForWiFi PauseReason = "WAITING_FOR_WIFI"
	NoConnection   PauseReason = "NO_CONNECTION"
)

// ErrSyncActive is returned when a sync start is requested while a pass is
// already in flight. At most one sync attempt is active at a time.
var ErrSyncActive = errors.New("sync already in progress")

// Status is the full lifecycle value: the phase plus its payload. Reason and
// Progress are meaningful while Paused, Message while Errored.
type Status struct {
	Phase    Phase
	Reason   PauseReason
	Progress float64
	Message  string
}

// validTransitions defines allowed phase transitions. Completed and Errored
// are terminal for one attempt but re-enter Syncing on the next trigger.
var validTransitions = map[Phase][]Phase{
	Idle:      {Syncing},
	Syncing:   {Completed, Errored, Paused, Idle},
	Completed: {Idle, Syncing},
	Errored:   {Idle, Syncing},
	Paused:    {Syncing, Idle},
}

// Machine tracks and enforces sync lifecycle transitions.
type Machine struct {
	mu     sync.RWMutex
	status Status
	bus    *bus.Bus
}

// NewMachine creates a machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		status: Status{Phase: Idle},
		bus:    b,
	}
}

// Current returns a copy of the current status.
func (m *Machine) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// StartSync moves the machine into Syncing. Returns ErrSyncActive when a
// pass is already in flight; the second request must not start a new one.
func (m *Machine) StartSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase == Syncing {
		return ErrSyncActive
	}
	return m.transition(Status{Phase: Syncing, Progress: m.status.Progress})
}

// Pause stalls the current pass, recording the reason and the progress
// reached so far so the UI can show a stalled-but-not-lost state.
func (m *Machine) Pause(reason PauseReason, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(Status{Phase: Paused, Reason: reason, Progress: progress})
}

// Resume re-enters Syncing from Paused, keeping the recorded progress.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase != Paused {
		return fmt.Errorf("resume from %s: not paused", m.status.Phase)
	}
	return m.transition(Status{Phase: Syncing, Progress: m.status.Progress})
}

// Complete marks the current pass finished.
func (m *Machine) Complete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(Status{Phase: Completed, Progress: 1})
}

// Fail records an unrecoverable failure. The message is preserved verbatim
// for display; no retry is scheduled here.
func (m *Machine) Fail(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(Status{Phase: Errored, Message: message, Progress: m.status.Progress})
}

// Reset forces the machine back to Idle from any phase. Used after the user
// acknowledges an error or a destructive operation completes.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Phase == Idle {
		return
	}
	from := m.status
	m.status = Status{Phase: Idle}
	m.publish(from, m.status)
}

// SetProgress updates the progress fraction of the active pass.
func (m *Machine) SetProgress(progress float64) {
	m.mu.Lock()
	if m.status.Phase != Syncing {
		m.mu.Unlock()
		return
	}
	m.status.Progress = progress
	status := m.status
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSyncProgress,
			Timestamp: time.Now(),
			Payload:   status,
		})
	}
}

// transition must be called with the lock held.
func (m *Machine) transition(to Status) error {
	allowed := validTransitions[m.status.Phase]
	if !slices.Contains(allowed, to.Phase) {
		return fmt.Errorf("invalid transition from %s to %s", m.status.Phase, to.Phase)
	}
	from := m.status
	m.status = to
	m.publish(from, to)
	return nil
}

func (m *Machine) publish(from, to Status) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSyncState,
		Timestamp: time.Now(),
		Payload:   StatusChange{From: from, To: to},
	})
}

// StatusChange is the payload for sync state change events.
type StatusChange struct {
	From Status
	To   Status
}

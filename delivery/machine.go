package delivery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

var (
	ErrInvalidTransition = errors.New("invalid delivery transition")
	ErrUnknownMessage    = errors.New("unknown message")
)

// transitions lists the allowed moves out of each state. Every in-flight
// state may also fail; acknowledged is terminal.
var transitions = map[models.DeliveryState][]models.DeliveryState{
	models.StateComposing: {models.StateSending, models.StateUploading, models.StateFailed},
	models.StateUploading: {models.StateSending, models.StateAcknowledged, models.StateFailed},
	models.StateSending:   {models.StateSent, models.StateAcknowledged, models.StateFailed},
	models.StateSent:      {models.StateAcknowledged, models.StateFailed},
	models.StateFailed:    {models.StateSending, models.StateUploading, models.StateAcknowledged},
}

// CanTransition reports whether a message may move from one state to another.
// Failed messages re-enter sending or uploading only on an explicit retry;
// an echo from the store acknowledges from any non-terminal state because a
// publish may land even when its call reported an error.
func CanTransition(from, to models.DeliveryState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine tracks the delivery state of locally originated messages by id.
type Machine struct {
	mu     sync.Mutex
	states map[string]models.DeliveryState
}

func NewMachine() *Machine {
	return &Machine{states: make(map[string]models.DeliveryState)}
}

// Begin registers a freshly composed message.
func (m *Machine) Begin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = models.StateComposing
}

// Restore registers a message in an arbitrary state, used when reloading
// persisted entries.
func (m *Machine) Restore(id string, state models.DeliveryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state
}

// Transition moves id to the next state.
func (m *Machine) Transition(id string, to models.DeliveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
	}
	m.states[id] = to
	return nil
}

// Retry moves a failed message back into the pipeline without a new id.
func (m *Machine) Retry(id string, to models.DeliveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if from != models.StateFailed {
		return fmt.Errorf("%w: %s is %s, only failed messages can be retried", ErrInvalidTransition, id, from)
	}
	if to != models.StateSending && to != models.StateUploading {
		return fmt.Errorf("%w: %s retry into %s", ErrInvalidTransition, id, to)
	}
	m.states[id] = to
	return nil
}

func (m *Machine) State(id string) (models.DeliveryState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok
}

// Forget drops a message that no longer needs tracking.
func (m *Machine) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}

func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

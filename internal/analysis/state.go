package analysis

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Status is the tag of an analysis State.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusAnalyzing Status = "analyzing"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// State is the analysis status shown in the result panel. Data is set only
// for StatusSuccess and Message only for StatusError.
type State struct {
	Status  Status `json:"status"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func Idle() State      { return State{Status: StatusIdle} }
func Analyzing() State { return State{Status: StatusAnalyzing} }

func Success(text string) State {
	return State{Status: StatusSuccess, Data: text}
}

func Failure(message string) State {
	return State{Status: StatusError, Message: message}
}

// Machine owns the analysis state of one session.
//
// Every Begin issues a new sequence number. Resolve and Reject only apply
// when they carry the latest one and the machine is still analyzing, so a
// result that arrives after a Reset or a newer request is dropped.
type Machine struct {
	mu          sync.Mutex
	state       State
	seq         uint64
	subscribers map[int]chan State
	nextSubID   int
}

// NewMachine creates a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{
		state:       Idle(),
		subscribers: make(map[int]chan State),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Seq returns the sequence number of the latest request.
func (m *Machine) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Begin moves to analyzing and returns the sequence number of the new
// request. It refuses while a request is already outstanding.
func (m *Machine) Begin() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status == StatusAnalyzing {
		return 0, false
	}

	m.seq++
	m.setLocked(Analyzing())
	return m.seq, true
}

// Resolve settles request seq with a result text.
func (m *Machine) Resolve(seq uint64, text string) bool {
	return m.settle(seq, Success(text))
}

// Reject settles request seq with an error message.
func (m *Machine) Reject(seq uint64, message string) bool {
	return m.settle(seq, Failure(message))
}

func (m *Machine) settle(seq uint64, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.seq || m.state.Status != StatusAnalyzing {
		log.Debug().
			Uint64("seq", seq).
			Uint64("currentSeq", m.seq).
			Str("status", string(m.state.Status)).
			Msg("dropping stale analysis result")
		return false
	}

	m.setLocked(next)
	return true
}

// Reset returns to idle from any state. Any outstanding request becomes stale.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status == StatusAnalyzing {
		m.seq++
	}
	if m.state.Status == StatusIdle {
		return
	}
	m.setLocked(Idle())
}

// Subscribe returns a channel that receives every state transition. Slow
// subscribers only see the latest state. The cancel func must be called to
// release the subscription.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan State, 1)
	m.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Machine) setLocked(next State) {
	prev := m.state
	m.state = next

	log.Debug().
		Str("from", string(prev.Status)).
		Str("to", string(next.Status)).
		Uint64("seq", m.seq).
		Msg("analysis state transition")

	for _, ch := range m.subscribers {
		// Replace an unread state with the newer one
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

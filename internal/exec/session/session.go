// Package session owns the execution session lifecycle: the registry of
// live sessions, the per-session pipeline goroutine, and the push channel
// delivering output events to transports.
package session

import (
	"sync"
	"time"

	"codedock/internal/exec/model"
	"codedock/internal/exec/provisioner"
)

const defaultEventBuffer = 256

// Session is one live execution. All lifecycle mutations go through the
// Manager; transports only read state and consume the event channel.
type Session struct {
	ID       string
	Language string

	mu         sync.Mutex
	state      model.SessionState
	exitCode   int
	createdAt  time.Time
	finishedAt time.Time
	handle     provisioner.Handle
	process    Process

	// inputMu serializes stdin writes in request-arrival order.
	inputMu sync.Mutex

	evMu     sync.Mutex
	evClosed bool
	events   chan model.OutputEvent
	terminal sync.Once
	cancel   func()
	done     chan struct{}
}

func newSession(id, language string, bufferSize int, cancel func()) *Session {
	if bufferSize <= 0 {
		bufferSize = defaultEventBuffer
	}
	return &Session{
		ID:        id,
		Language:  language,
		state:     model.StateProvisioning,
		createdAt: time.Now(),
		events:    make(chan model.OutputEvent, bufferSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Status returns a snapshot of the session.
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SessionStatus{
		SessionID:  s.ID,
		Language:   s.Language,
		State:      s.state,
		ExitCode:   s.exitCode,
		CreatedAt:  s.createdAt,
		FinishedAt: s.finishedAt,
	}
}

// Events is the session's ordered push channel. It is closed after the
// single terminal event has been delivered.
func (s *Session) Events() <-chan model.OutputEvent {
	return s.events
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(state model.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) currentState() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setHandle(h provisioner.Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *Session) currentHandle() (provisioner.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.handle.ContainerID != ""
}

func (s *Session) setProcess(p Process) {
	s.mu.Lock()
	s.process = p
	s.mu.Unlock()
}

func (s *Session) currentProcess() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// emit pushes an output event, dropping the oldest buffered event when the
// consumer cannot keep up. The pipeline must never block on a slow or
// absent reader.
func (s *Session) emit(event model.OutputEvent) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	for {
		select {
		case s.events <- event:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Session) closeEvents() {
	s.evMu.Lock()
	s.evClosed = true
	close(s.events)
	s.evMu.Unlock()
}

// finish marks the session terminal exactly once: records the final state,
// emits the single end/error event and closes the channel. Later callers
// (a stop racing a natural exit, a pipeline error after a stop) are no-ops.
func (s *Session) finish(state model.SessionState, exitCode int, event model.OutputEvent) bool {
	won := false
	s.terminal.Do(func() {
		won = true
		s.mu.Lock()
		s.state = state
		s.exitCode = exitCode
		s.finishedAt = time.Now()
		s.mu.Unlock()
		s.emit(event)
		s.closeEvents()
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return won
}

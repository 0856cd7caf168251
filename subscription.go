package uiprotect

import (
	"sync"

	"github.com/uilibs/uiprotect/data"
)

// SessionState is the connection lifecycle position. Every transition is
// published to state subscribers.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateAuthenticating SessionState = "authenticating"
	StateBootstrapping  SessionState = "bootstrapping"
	StateConnecting     SessionState = "connecting"
	StateConnected      SessionState = "connected"
	StateReconnecting   SessionState = "reconnecting"
	StateClosing        SessionState = "closing"
	StateClosed         SessionState = "closed"
	StateFailed         SessionState = "failed"
)

// legalTransitions encodes the session state machine. Anything not listed is
// a programming error and gets logged, not applied.
var legalTransitions = map[SessionState][]SessionState{
	StateIdle:           {StateAuthenticating},
	StateAuthenticating: {StateBootstrapping, StateFailed, StateClosing},
	StateBootstrapping:  {StateConnecting, StateFailed, StateClosing},
	StateConnecting:     {StateConnected, StateReconnecting, StateClosing},
	StateConnected:      {StateReconnecting, StateClosing},
	StateReconnecting:   {StateConnecting, StateAuthenticating, StateFailed, StateClosing},
	StateClosing:        {StateClosed},
	StateFailed:         {StateAuthenticating, StateClosing},
}

func transitionAllowed(from, to SessionState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MessageHandler receives one notification per applied packet, on the reader
// goroutine. Handlers must not block; long work gets handed off by the
// subscriber.
type MessageHandler func(*data.WSSubscriptionMessage)

type messageSub struct {
	id      uint64
	handler MessageHandler
}

// subscribers holds both subscription channels. Lists change only under the
// lock; dispatch iterates a copied slice so an unsubscribe during fan-out is
// safe.
type subscribers struct {
	mu       sync.Mutex
	nextID   uint64
	messages []messageSub
	states   []stateSub
	bufSize  int
	warnf    func(format string, args ...any)
}

type stateSub struct {
	id uint64
	ch chan SessionState
}

func newSubscribers(bufSize int, warnf func(string, ...any)) *subscribers {
	return &subscribers{bufSize: bufSize, warnf: warnf}
}

// subscribeMessages registers a handler and returns an idempotent
// unsubscribe.
func (s *subscribers) subscribeMessages(h MessageHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.messages = append(s.messages, messageSub{id: id, handler: h})
	return func() { s.dropMessage(id) }
}

func (s *subscribers) dropMessage(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.messages {
		if sub.id == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *subscribers) dispatch(msg *data.WSSubscriptionMessage) {
	s.mu.Lock()
	subs := make([]messageSub, len(s.messages))
	copy(subs, s.messages)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.handler(msg)
	}
}

// subscribeState returns a buffered channel of state transitions and its
// unsubscribe. A subscriber that falls bufSize behind is dropped with a
// warning rather than stalling the session.
func (s *subscribers) subscribeState() (<-chan SessionState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	ch := make(chan SessionState, s.bufSize)
	s.states = append(s.states, stateSub{id: id, ch: ch})
	return ch, func() { s.dropState(id) }
}

func (s *subscribers) dropState(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.states {
		if sub.id == id {
			close(sub.ch)
			s.states = append(s.states[:i], s.states[i+1:]...)
			return
		}
	}
}

func (s *subscribers) publishState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.states[:0]
	for _, sub := range s.states {
		select {
		case sub.ch <- state:
			kept = append(kept, sub)
		default:
			s.warnf("[WARN] dropping slow state subscriber (%d unread)", s.bufSize)
			close(sub.ch)
		}
	}
	s.states = kept
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.states {
		close(sub.ch)
	}
	s.states = nil
	s.messages = nil
}

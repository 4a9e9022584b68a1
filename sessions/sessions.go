// Package sessions owns the in-process registry of live video sessions.
// Each Session tracks one negotiated peer exchange: its state machine, the
// referenced peer handle, and, once a video track arrives, the detection
// stage and metrics record it exclusively owns.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rtcvision/rtcvision/metrics"
	"github.com/rtcvision/rtcvision/pipeline"
	"github.com/rtcvision/rtcvision/rtc"
)

var (
	// ErrSessionNotFound indicates an unknown session identifier.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession indicates that a live session already holds the
	// identifier.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrStageAttached indicates that the session already owns a detection
	// stage.
	ErrStageAttached = errors.New("detection stage already attached")
)

// State is a session's lifecycle phase.
type State string

const (
	StateNew         State = "new"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// Terminal reports whether the state ends the session's lifecycle.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Session is one end-to-end negotiated video exchange. All mutation goes
// through methods holding the session's own mutex; sessions are independent
// of each other (no cross-session lock on the frame path).
type Session struct {
	id      string
	mode    pipeline.Mode
	created time.Time

	mu         sync.Mutex
	state      State
	peer       rtc.PeerSession
	stage      *pipeline.Stage
	aggregator *metrics.Aggregator
	cancel     context.CancelFunc
	released   bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Mode returns the session's processing mode.
func (s *Session) Mode() pipeline.Mode { return s.mode }

// Created returns the session creation time.
func (s *Session) Created() time.Time { return s.created }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the referenced peer handle. The transport library owns it;
// the session only closes it on teardown.
func (s *Session) Peer() rtc.PeerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Aggregator returns the session's metrics record.
func (s *Session) Aggregator() *metrics.Aggregator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregator
}

// Stage returns the attached detection stage, or nil.
func (s *Session) Stage() *pipeline.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// transition moves the state machine forward. Terminal states are sticky:
// once Closed or Failed, the session never transitions again.
func (s *Session) transition(to State) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.state == to {
		return false
	}
	s.state = to
	return true
}

// SetNegotiating marks the offer as received. Reports false if the session
// already ended.
func (s *Session) SetNegotiating() bool { return s.transition(StateNegotiating) }

// SetActive marks the transport as connected. Reports false if the session
// already ended.
func (s *Session) SetActive() bool { return s.transition(StateActive) }

// release tears down owned resources exactly once: the stage context is
// cancelled and the peer handle closed. Idempotent.
func (s *Session) release(to State) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = to
	}
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	cancel := s.cancel
	peer := s.peer
	s.stage = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if peer != nil {
		_ = peer.Close()
	}
}

// Registry is the thread-safe mapping of session identifier to session
// state. It exclusively owns Session objects.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// windowSize bounds each session's rolling latency window.
	windowSize int
}

// NewRegistry returns an empty Registry whose sessions use metrics windows
// of windowSize samples.
func NewRegistry(windowSize int) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		windowSize: windowSize,
	}
}

// Create reserves id and returns the new session. A live (non-terminal)
// session under the same id yields ErrDuplicateSession; a terminal one is
// replaced. The peer handle is referenced for close/state-query purposes.
func (r *Registry) Create(id string, mode pipeline.Mode, peer rtc.PeerSession) (*Session, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok && !existing.State().Terminal() {
		return nil, ErrDuplicateSession
	}

	s := &Session{
		id:         id,
		mode:       mode,
		created:    now,
		state:      StateNew,
		peer:       peer,
		aggregator: metrics.NewAggregator(now, r.windowSize),
	}
	r.sessions[id] = s
	return s, nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// AttachStage binds the detection stage and the cancel function stopping its
// run goroutine to the session. Both are recorded under the session mutex so
// a concurrent Remove either rejects the attach or cancels the stage; there
// is no window where an attached stage lacks its cancel. At most one stage
// per session: a second attach returns ErrStageAttached. Attach after the
// session ended returns ErrSessionNotFound so the caller can discard the
// stage instead of leaving it dangling.
func (r *Registry) AttachStage(id string, stage *pipeline.Stage, cancel context.CancelFunc) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.released {
		return ErrSessionNotFound
	}
	if s.stage != nil {
		return ErrStageAttached
	}
	s.stage = stage
	s.cancel = cancel
	return nil
}

// Remove deletes the session and releases everything it owns: the stage
// goroutine is cancelled and the peer handle closed. The final state is
// Closed unless the session had already failed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.release(StateClosed)
	return nil
}

// Fail removes the session like Remove but marks it Failed.
func (r *Registry) Fail(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.release(StateFailed)
	return nil
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

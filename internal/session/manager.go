package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for lifecycle violations.
var (
	// ErrSessionNotFound is returned when the session ID is unknown.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionNotActive is returned when an operation requires an Active
	// session (artifact upload, ending the call) but the session has moved
	// on.
	ErrSessionNotActive = errors.New("session: not active")

	// ErrSessionNotProcessing is returned when a terminal transition is
	// requested for a session that is not in Processing.
	ErrSessionNotProcessing = errors.New("session: not processing")

	// ErrSessionExists is returned when a caller-supplied session ID is
	// already taken.
	ErrSessionExists = errors.New("session: already exists")

	// ErrSessionTerminal is returned when an abort is requested for a
	// session that already reached a terminal state.
	ErrSessionTerminal = errors.New("session: already terminal")
)

// Manager owns the in-memory session registry and enforces the lifecycle
// state machine. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Start creates a new Active session with a generated ID and returns a
// snapshot of it. metadata may be nil.
func (m *Manager) Start(metadata map[string]string) *Session {
	// A fresh UUID cannot collide with an existing session.
	s, _ := m.StartWithID(uuid.NewString(), metadata)
	return s
}

// StartWithID creates a new Active session under the caller-supplied ID.
// Returns ErrSessionExists when the ID is already taken.
func (m *Manager) StartWithID(id string, metadata map[string]string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionExists)
	}
	s := &Session{
		ID:        id,
		Status:    StatusActive,
		StartTime: m.now(),
		Metadata:  make(map[string]string, len(metadata)),
	}
	for k, v := range metadata {
		s.Metadata[k] = v
	}
	m.sessions[s.ID] = s
	return s.Clone(), nil
}

// Get returns a snapshot of the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return s.Clone(), nil
}

// AddArtifact appends an uploaded audio file to an Active session.
// Uploads against a session in any other state are rejected.
func (m *Manager) AddArtifact(id string, a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	if s.Status != StatusActive {
		return fmt.Errorf("session %q is %s: %w", id, s.Status, ErrSessionNotActive)
	}
	if a.UploadedAt.IsZero() {
		a.UploadedAt = m.now()
	}
	s.Artifacts = append(s.Artifacts, a)
	return nil
}

// End finishes the recording phase of an Active session. With artifacts
// queued, the session moves to Processing and the returned snapshot feeds
// the pipeline run; with no artifacts it moves straight to Ended, since
// there is nothing to process. Calling End twice fails with
// ErrSessionNotActive, so at most one run can be started per session.
func (m *Manager) End(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("session %q is %s: %w", id, s.Status, ErrSessionNotActive)
	}
	if len(s.Artifacts) == 0 {
		s.Status = StatusEnded
		t := m.now()
		s.EndTime = &t
		s.Metadata["empty_result"] = "true"
		return s.Clone(), nil
	}
	s.Status = StatusProcessing
	return s.Clone(), nil
}

// Reopen moves a Processing session back to Active. Used when the session
// could not be handed to the pipeline (queue backpressure), so the caller
// can retry End later without stranding the session in Processing.
func (m *Manager) Reopen(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	if s.Status != StatusProcessing {
		return fmt.Errorf("session %q is %s: %w", id, s.Status, ErrSessionNotProcessing)
	}
	s.Status = StatusActive
	return nil
}

// Complete moves a Processing session to Ended, recording metadata from
// the run (e.g. an empty-result marker).
func (m *Manager) Complete(id string, metadata map[string]string) error {
	return m.finish(id, StatusEnded, metadata)
}

// Fail aborts a non-terminal session, moving it to Failed with the given
// reason. Unlike Complete it also accepts Active sessions, so a call can
// be abandoned before any processing starts.
func (m *Manager) Fail(id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("session %q is %s: %w", id, s.Status, ErrSessionTerminal)
	}
	s.Status = StatusFailed
	t := m.now()
	s.EndTime = &t
	s.Metadata["failure_reason"] = reason
	return nil
}

func (m *Manager) finish(id string, st Status, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	if s.Status != StatusProcessing {
		return fmt.Errorf("session %q is %s: %w", id, s.Status, ErrSessionNotProcessing)
	}
	s.Status = st
	t := m.now()
	s.EndTime = &t
	for k, v := range metadata {
		s.Metadata[k] = v
	}
	return nil
}

// Active returns how many sessions are currently non-terminal.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			n++
		}
	}
	return n
}

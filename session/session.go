package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/acpbridge/acp"
	"github.com/m4xw311/acpbridge/errors"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusKilled    Status = "killed"
)

type Message struct {
	Role    string    `json:"role"` // "user", "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is one client conversation and the backend session it is bound
// to. BackendID stays empty until the backend has created its session.
type Session struct {
	LocalID   string          `json:"sessionId"`
	BackendID string          `json:"backendSessionId,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Model     string          `json:"model,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Plan      []acp.PlanEntry `json:"plan,omitempty"`
	Messages  []Message       `json:"messages,omitempty"`
}

// Table holds the sessions of one bridge instance.
type Table struct {
	mu        sync.Mutex
	now       func() time.Time
	sessions  map[string]*Session
	byBackend map[string]string
	last      string
}

func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		now:       now,
		sessions:  make(map[string]*Session),
		byBackend: make(map[string]string),
	}
}

// Ensure returns the session with the given local id, creating it if
// absent. An empty id creates a session with a fresh one.
func (t *Table) Ensure(localID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if localID == "" {
		localID = uuid.NewString()
	}
	if s, ok := t.sessions[localID]; ok {
		return s.copy(), false
	}
	now := t.now()
	s := &Session{LocalID: localID, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	t.sessions[localID] = s
	t.last = localID
	return s.copy(), true
}

// Bind records the backend session behind a local one. Rebinding to a
// different backend session is refused.
func (t *Table) Bind(localID, backendID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[localID]
	if !ok {
		return errors.New("unknown session %s", localID)
	}
	if s.BackendID != "" && s.BackendID != backendID {
		return errors.Wrapf(errors.ErrSessionRebind, "%s is bound to %s", localID, s.BackendID)
	}
	if owner, ok := t.byBackend[backendID]; ok && owner != localID {
		return errors.Wrapf(errors.ErrSessionRebind, "backend session %s belongs to %s", backendID, owner)
	}
	s.BackendID = backendID
	s.UpdatedAt = t.now()
	t.byBackend[backendID] = localID
	return nil
}

// ResolveBackendID returns the backend session id for a local id, or the
// local id unchanged when no mapping exists.
func (t *Table) ResolveBackendID(localID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[localID]; ok && s.BackendID != "" {
		return s.BackendID
	}
	return localID
}

// LocalID maps a backend session id back to the local one, or returns it
// unchanged.
func (t *Table) LocalID(backendID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if local, ok := t.byBackend[backendID]; ok {
		return local
	}
	return backendID
}

func (t *Table) Get(localID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[localID]
	if !ok {
		return Session{}, false
	}
	return s.copy(), true
}

// Complete marks a session finished. Killed sessions stay killed.
func (t *Table) Complete(localID string) {
	t.update(localID, func(s *Session) {
		if s.Status != StatusKilled {
			s.Status = StatusCompleted
		}
	})
}

// Activate returns a completed session to active when a new turn starts.
func (t *Table) Activate(localID string) {
	t.update(localID, func(s *Session) {
		if s.Status == StatusCompleted {
			s.Status = StatusActive
		}
	})
}

func (t *Table) Kill(localID string) {
	t.update(localID, func(s *Session) { s.Status = StatusKilled })
}

func (t *Table) IsKilled(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[localID]
	return ok && s.Status == StatusKilled
}

// Delete forgets a session. It reports whether the session existed.
func (t *Table) Delete(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[localID]
	if !ok {
		return false
	}
	delete(t.sessions, localID)
	if s.BackendID != "" {
		delete(t.byBackend, s.BackendID)
	}
	if t.last == localID {
		t.last = ""
	}
	return true
}

// List returns all sessions, most recently updated first.
func (t *Table) List() []Session {
	t.mu.Lock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.copy())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// LastID returns the most recently created or foregrounded session.
func (t *Table) LastID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// SetLast foregrounds a known session.
func (t *Table) SetLast(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[localID]; !ok {
		return false
	}
	t.last = localID
	return true
}

// AddMessage appends a message to the session history. The first user
// message becomes the session summary.
func (t *Table) AddMessage(localID, role, content string) {
	t.update(localID, func(s *Session) {
		s.Messages = append(s.Messages, Message{Role: role, Content: content, At: t.now()})
		if s.Summary == "" && role == "user" {
			s.Summary = summarize(content)
		}
	})
}

func (t *Table) SetPlan(localID string, entries []acp.PlanEntry) {
	t.update(localID, func(s *Session) { s.Plan = append([]acp.PlanEntry(nil), entries...) })
}

func (t *Table) SetModel(localID, model string) {
	t.update(localID, func(s *Session) { s.Model = model })
}

func (t *Table) SetMode(localID, mode string) {
	t.update(localID, func(s *Session) { s.Mode = mode })
}

// Reset drops every backend mapping. Sessions survive so clients can keep
// their ids across a backend restart.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		s.BackendID = ""
	}
	t.byBackend = make(map[string]string)
}

func (t *Table) update(localID string, fn func(*Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[localID]
	if !ok {
		return
	}
	fn(s)
	s.UpdatedAt = t.now()
}

func (s *Session) copy() Session {
	out := *s
	out.Plan = append([]acp.PlanEntry(nil), s.Plan...)
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

func summarize(text string) string {
	const max = 80
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "…"
}

// Package correlate tracks backend requests made on behalf of one client
// connection and the assistant text buffered for fire-and-forget prompts.
//
// Every pending entry is removed exactly once: by its response, by its
// timeout, or by FailAll when the backend dies. Whoever removes it owns the
// answer to the client; the others observe Resolve returning false and drop
// what they have.
package correlate

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/session"
	"go.uber.org/zap"
)

// DefaultTurnTimeout bounds a prompt turn when none is configured.
const DefaultTurnTimeout = 95 * time.Second

// Mode says how the answer to a pending request reaches the client.
type Mode int

const (
	// ModeForward answers the client request with the same id.
	ModeForward Mode = iota
	// ModeDeferred was already acknowledged; the answer is rendered as
	// buffered assistant text plus an idle notification.
	ModeDeferred
	// ModeInternal belongs to the bridge itself and has no client id.
	ModeInternal
)

func (m Mode) String() string {
	switch m {
	case ModeForward:
		return "forward"
	case ModeDeferred:
		return "deferred"
	case ModeInternal:
		return "internal"
	}
	return "unknown"
}

// Pending is one backend request awaiting its answer.
type Pending struct {
	BackendID int64
	ClientID  json.RawMessage
	SessionID string
	Method    string
	Mode      Mode
	CreatedAt time.Time
	// Turn is the BeginTurn handle of a prompt.
	Turn int64

	timer *clock.Timer
}

type Options struct {
	Sessions    *session.Table
	Clock       clock.Clock
	Logger      *zap.Logger
	TurnTimeout time.Duration
}

type Correlator struct {
	sessions    *session.Table
	clock       clock.Clock
	log         *zap.Logger
	turnTimeout time.Duration

	mu      sync.Mutex
	pending map[int64]*Pending
	turns   map[string]*sessionTurns
	turnSeq int64
}

func New(opts Options) *Correlator {
	c := &Correlator{
		sessions:    opts.Sessions,
		clock:       opts.Clock,
		log:         opts.Logger,
		turnTimeout: opts.TurnTimeout,
		pending:     make(map[int64]*Pending),
		turns:       make(map[string]*sessionTurns),
	}
	if c.sessions == nil {
		c.sessions = session.NewTable(nil)
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.turnTimeout <= 0 {
		c.turnTimeout = DefaultTurnTimeout
	}
	return c
}

// TurnTimeout is the window a prompt turn gets before a terminal answer is
// synthesized.
func (c *Correlator) TurnTimeout() time.Duration { return c.turnTimeout }

// ResolveBackendSessionID returns the backend id bound to a local session,
// or the local id unchanged.
func (c *Correlator) ResolveBackendSessionID(localID string) string {
	return c.sessions.ResolveBackendID(localID)
}

// LocalSessionID maps a backend session id back to the client's.
func (c *Correlator) LocalSessionID(backendID string) string {
	return c.sessions.LocalID(backendID)
}

// EnsureSession creates the local session if absent.
func (c *Correlator) EnsureSession(localID string) session.Session {
	s, _ := c.sessions.Ensure(localID)
	return s
}

// Track registers a pending request. When timeout is positive and elapses
// first, the entry is removed and onTimeout runs with it; a response that
// arrives afterwards finds nothing to resolve.
func (c *Correlator) Track(p Pending, timeout time.Duration, onTimeout func(Pending)) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.clock.Now()
	}
	entry := &p
	c.mu.Lock()
	c.pending[p.BackendID] = entry
	c.mu.Unlock()

	if timeout <= 0 {
		return
	}
	timer := c.clock.AfterFunc(timeout, func() {
		got, ok := c.Resolve(p.BackendID)
		if !ok {
			return
		}
		c.log.Warn("backend request timed out",
			zap.Int64("id", got.BackendID),
			zap.String("method", got.Method),
			zap.String("session", got.SessionID),
			zap.Duration("after", timeout))
		if onTimeout != nil {
			onTimeout(got)
		}
	})
	c.mu.Lock()
	if c.pending[p.BackendID] == entry {
		entry.timer = timer
	} else {
		timer.Stop()
	}
	c.mu.Unlock()
}

// Resolve removes a pending entry. It reports false when the entry was
// already removed or never existed.
func (c *Correlator) Resolve(backendID int64) (Pending, bool) {
	c.mu.Lock()
	entry, ok := c.pending[backendID]
	if ok {
		delete(c.pending, backendID)
	}
	c.mu.Unlock()
	if !ok {
		return Pending{}, false
	}
	entry.timer.Stop()
	return *entry, true
}

// FailAll removes and returns every pending entry, oldest first.
func (c *Correlator) FailAll() []Pending {
	c.mu.Lock()
	entries := c.pending
	c.pending = make(map[int64]*Pending)
	c.mu.Unlock()

	out := make([]Pending, 0, len(entries))
	for _, e := range entries {
		e.timer.Stop()
		out = append(out, *e)
	}
	sortPending(out)
	return out
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingForSession returns the pending entries of one session.
func (c *Correlator) PendingForSession(sessionID string) []Pending {
	c.mu.Lock()
	var out []Pending
	for _, e := range c.pending {
		if e.SessionID == sessionID {
			out = append(out, *e)
		}
	}
	c.mu.Unlock()
	sortPending(out)
	return out
}

// sortPending orders entries by backend id, which is send order.
func sortPending(ps []Pending) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].BackendID < ps[j].BackendID })
}

// TurnState is the buffer state of a session's current turn.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnBuffering
	TurnFlushed
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnBuffering:
		return "buffering"
	case TurnFlushed:
		return "flushed"
	}
	return "unknown"
}

type turn struct {
	id int64
	// sealed turns take no more text; their answer has arrived.
	sealed bool
	text   strings.Builder
}

// sessionTurns holds a session's open turns in prompt order. The agent
// answers prompts on a session one at a time, so streamed text belongs to
// the oldest open turn.
type sessionTurns struct {
	open    []*turn
	flushed bool
}

// BeginTurn opens a turn for a session and returns its handle for Flush.
// Turns already open keep their text.
func (c *Correlator) BeginTurn(sessionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnSeq++
	st, ok := c.turns[sessionID]
	if !ok {
		st = &sessionTurns{}
		c.turns[sessionID] = st
	}
	st.open = append(st.open, &turn{id: c.turnSeq})
	return c.turnSeq
}

// Buffer appends streamed text to the session's oldest unsealed turn. It
// reports false when no such turn is open.
func (c *Correlator) Buffer(sessionID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.turns[sessionID]
	if !ok {
		return false
	}
	for _, t := range st.open {
		if !t.sealed {
			t.text.WriteString(text)
			return true
		}
	}
	return false
}

// SealTurn stops buffering into the turn of a tracked prompt whose answer
// has arrived, so text streamed afterwards goes to the next turn. It
// reports whether backendID named such a prompt.
func (c *Correlator) SealTurn(backendID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[backendID]
	if !ok || p.Turn == 0 {
		return false
	}
	st, ok := c.turns[p.SessionID]
	if !ok {
		return false
	}
	for _, t := range st.open {
		if t.id == p.Turn {
			t.sealed = true
			return true
		}
	}
	return false
}

// Flush closes a turn and returns its text. Only the first Flush of a turn
// reports ok.
func (c *Correlator) Flush(sessionID string, turnID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.turns[sessionID]
	if !ok {
		return "", false
	}
	for i, t := range st.open {
		if t.id != turnID {
			continue
		}
		st.open = append(st.open[:i], st.open[i+1:]...)
		st.flushed = true
		return t.text.String(), true
	}
	return "", false
}

// Turn reports the buffer state of a session.
func (c *Correlator) Turn(sessionID string) TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.turns[sessionID]
	switch {
	case !ok:
		return TurnIdle
	case len(st.open) > 0:
		return TurnBuffering
	case st.flushed:
		return TurnFlushed
	}
	return TurnIdle
}

// EndTurns drops every turn buffer.
func (c *Correlator) EndTurns() {
	c.mu.Lock()
	c.turns = make(map[string]*sessionTurns)
	c.mu.Unlock()
}

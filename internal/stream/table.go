package stream

import (
	"strings"
	"sync"
	"time"
)

const (
	KindToken = "token"
	KindDone  = "done"
)

// Event is one unit pushed to a connected client.
type Event struct {
	Kind string
	Data string
}

// Session is the live output channel for one user on this instance. The
// transport handler reads Events until Done is closed or a done event
// arrives.
type Session struct {
	userID string
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session is torn down (replaced, completed, or the
// client was judged gone).
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// Table routes streamed tokens to live client connections, keyed by user id.
// At most one session per user per instance. Shared by the bus subscriber
// and all transport goroutines; a single mutex guards the map.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// bound on a blocked channel write before the client is treated as gone
	sendTimeout time.Duration
}

func NewTable() *Table {
	return &Table{
		sessions:    make(map[string]*Session),
		sendTimeout: 2 * time.Second,
	}
}

// Connect registers a fresh session for userID, replacing and closing any
// existing one. A user never has two simultaneous deliveries on the same
// instance.
func (t *Table) Connect(userID string) *Session {
	s := &Session{
		userID: userID,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	old := t.sessions[userID]
	t.sessions[userID] = s
	t.mu.Unlock()

	if old != nil {
		old.close()
	}
	return s
}

func (t *Table) lookup(userID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[userID]
}

// Deliver routes one token to the user's session. No session means the
// client is attached to some other instance (or nobody): silent no-op.
// Literal spaces are replaced with non-breaking spaces so whitespace-only
// tokens survive SSE framing. A write that cannot complete within the send
// timeout treats the client as gone and tears the session down.
func (t *Table) Deliver(userID, token string) {
	s := t.lookup(userID)
	if s == nil {
		return
	}

	safe := strings.ReplaceAll(token, " ", " ")

	timer := time.NewTimer(t.sendTimeout)
	defer timer.Stop()

	select {
	case s.events <- Event{Kind: KindToken, Data: safe}:
	case <-s.done:
	case <-timer.C:
		t.Disconnect(userID, s)
	}
}

// Complete sends the terminal marker and tears the session down. No session
// is a no-op: the client may have disconnected mid-stream.
func (t *Table) Complete(userID string) {
	s := t.lookup(userID)
	if s == nil {
		return
	}

	timer := time.NewTimer(t.sendTimeout)
	defer timer.Stop()

	select {
	case s.events <- Event{Kind: KindDone}:
	case <-s.done:
	case <-timer.C:
	}
	t.Disconnect(userID, s)
}

// Disconnect removes the entry only while it still holds the given handle,
// so a teardown racing a Connect that already replaced the session leaves
// the replacement alone.
func (t *Table) Disconnect(userID string, s *Session) {
	t.mu.Lock()
	if t.sessions[userID] == s {
		delete(t.sessions, userID)
	}
	t.mu.Unlock()
	s.close()
}

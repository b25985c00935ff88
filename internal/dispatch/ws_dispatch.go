package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/example/towing-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no realtime session")

const writeWait = 5 * time.Second

// Session is the write side of a live connection; *websocket.Conn satisfies it.
type Session interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Realtime delivers named events to a connected user or mechanic.
type Realtime interface {
	Emit(id, event string, payload any) error
}

// Presence maps user and mechanic ids to their live connection. The registry
// is process-local: with several API instances a mechanic is only reachable
// through the instance holding the socket.
type Presence interface {
	Realtime
	Connect(id string, s Session)
	Disconnect(id string, s Session)
	Connected(id string) bool
}

// Envelope is the frame written to the socket.
type Envelope struct {
	Event  string    `json:"event"`
	Data   any       `json:"data"`
	SentAt time.Time `json:"sent_at"`
}

type wsSession struct {
	conn Session
	mu   sync.Mutex
}

func (s *wsSession) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeWait))
	}
	return s.conn.WriteJSON(env)
}

// WSRegistry holds one session per id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
}

var _ Presence = (*WSRegistry)(nil)

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*wsSession)} }

// Connect registers s for id, closing any session it replaces.
func (r *WSRegistry) Connect(id string, s Session) {
	r.mu.Lock()
	old, replaced := r.sessions[id]
	r.sessions[id] = &wsSession{conn: s}
	r.mu.Unlock()
	if replaced {
		_ = old.conn.Close()
		return
	}
	observability.ConnectedClients.Inc()
}

// Disconnect removes id only while s is still its current session, so a
// late disconnect of a replaced socket does not drop the new one.
func (r *WSRegistry) Disconnect(id string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok || cur.conn != s {
		return
	}
	delete(r.sessions, id)
	observability.ConnectedClients.Dec()
}

func (r *WSRegistry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *WSRegistry) Emit(id, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(Envelope{Event: event, Data: payload, SentAt: time.Now().UTC()})
}

package bridge

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/mcpjam/bridge/internal/logx"
	"github.com/mcpjam/bridge/internal/metrics"
)

// errSessionClosed reports a send attempted after the session was closed.
var errSessionClosed = errors.New("session closed")

// eventStream is the subset of the SSE session the registry writes to.
// *sse.Session satisfies it.
type eventStream interface {
	Send(m *sse.Message) error
	Flush() error
}

// Session is one open SSE stream bound to a server id.
type Session struct {
	ServerID  string
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	stream eventStream
	closed bool
}

// SendEvent writes one named event to the stream. Writes are serialized so
// the relay path and the keepalive loop never interleave frames, and a
// closed session rejects the send instead of touching the stream.
func (s *Session) SendEvent(event, data string) error {
	msg := &sse.Message{Type: sse.Type(event)}
	msg.AppendData(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if err := s.stream.Send(msg); err != nil {
		return err
	}
	return s.stream.Flush()
}

// close marks the session dead. It takes the write mutex, so it only returns
// once any in-flight send has drained; the stream handler can then safely
// release the underlying response writer.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type sessionKey struct {
	server  string
	session string
}

// Registry tracks open SSE sessions keyed by (server id, session id) and
// remembers each server's most recently opened session.
type Registry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session
	latest   map[string]string
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: map[sessionKey]*Session{},
		latest:   map[string]string{},
	}
}

// Open registers a new session for serverID and marks it the server's latest.
func (r *Registry) Open(serverID string, stream eventStream) *Session {
	s := &Session{
		ServerID:  serverID,
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		stream:    stream,
	}
	r.mu.Lock()
	r.sessions[sessionKey{serverID, s.ID}] = s
	r.latest[serverID] = s.ID
	r.mu.Unlock()
	metrics.RecordSessionOpened(serverID)
	logx.Log.Debug().Str("server", serverID).Str("session", s.ID).Msg("sse session opened")
	return s
}

// Resolve returns the session id an inbound message should be delivered to,
// preferring an exact match and falling back to the server's latest session.
func (r *Registry) Resolve(serverID, sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionKey{serverID, sessionID}]; ok {
		return sessionID, true
	}
	if id, ok := r.latest[serverID]; ok {
		return id, true
	}
	return "", false
}

// Send delivers one event, falling back to the server's latest session when
// the session id is unknown. Undeliverable events are dropped and counted; a
// write failure closes the session.
func (r *Registry) Send(serverID, sessionID, event, data string) {
	r.mu.Lock()
	s := r.sessions[sessionKey{serverID, sessionID}]
	if s == nil {
		if id, ok := r.latest[serverID]; ok {
			s = r.sessions[sessionKey{serverID, id}]
		}
	}
	r.mu.Unlock()
	if s == nil {
		metrics.RecordDroppedSend(serverID)
		logx.Log.Debug().Str("server", serverID).Str("session", sessionID).Str("event", event).Msg("no open session, dropping event")
		return
	}
	if err := s.SendEvent(event, data); err != nil {
		metrics.RecordDroppedSend(serverID)
		logx.Log.Debug().Err(err).Str("server", serverID).Str("session", s.ID).Msg("sse write failed, closing session")
		if !errors.Is(err, errSessionClosed) {
			r.Close(s.ServerID, s.ID)
		}
	}
}

// Close removes a session and marks it dead, waiting out any write in
// flight. The server's latest pointer is cleared when it referenced the
// closed session; it is never repointed at an older one.
func (r *Registry) Close(serverID, sessionID string) {
	r.mu.Lock()
	key := sessionKey{serverID, sessionID}
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		if r.latest[serverID] == sessionID {
			delete(r.latest, serverID)
		}
	}
	r.mu.Unlock()
	if ok {
		s.close()
		metrics.RecordSessionClosed(serverID)
		logx.Log.Debug().Str("server", serverID).Str("session", sessionID).Msg("sse session closed")
	}
}

// SessionInfo describes one open session in a state snapshot.
type SessionInfo struct {
	ServerID  string    `json:"serverId"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot lists open sessions ordered by creation time.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{ServerID: s.ServerID, SessionID: s.ID, CreatedAt: s.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

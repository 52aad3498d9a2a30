package fleet

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxMessageSize bounds inbound frames from controllers.
const maxMessageSize = 512 * 1024

// Session is one live controller connection. A session exists from upgrade
// until close; it is bound to a controller ID only after a successful
// registration.
type Session struct {
	id   string
	conn *websocket.Conn

	writeWait time.Duration
	pongWait  time.Duration

	// controllerID is set exactly once, by the registration handler.
	mu           sync.RWMutex
	controllerID string

	// lastSeen is unix nanoseconds of the last inbound frame or pong.
	lastSeen atomic.Int64

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, writeWait, pongWait time.Duration) *Session {
	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		writeWait: writeWait,
		pongWait:  pongWait,
	}
	s.touch()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return s
}

// ID is the session identity, distinct from the controller identity so that
// a reconnecting controller gets a fresh session.
func (s *Session) ID() string { return s.id }

// ControllerID returns the bound controller ID, or "" before registration.
func (s *Session) ControllerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controllerID
}

func (s *Session) bind(controllerID string) {
	s.mu.Lock()
	s.controllerID = controllerID
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is the time of the last inbound activity on this session.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Send writes one envelope to the controller. Writes are serialized and
// bounded by the write deadline; a failed write reports the session dead so
// the caller can leave durable pending state untouched.
func (s *Session) Send(env *Envelope) error {
	if s.closed.Load() {
		return fmt.Errorf("session %s is closed", s.id)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", env.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", env.Type, err)
	}
	return nil
}

// Ping sends a control ping. WriteControl is safe to call concurrently with
// WriteMessage, so the ping loop does not take writeMu.
func (s *Session) Ping() error {
	if s.closed.Load() {
		return fmt.Errorf("session %s is closed", s.id)
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// Close tears down the connection. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeWait))
		_ = s.conn.Close()
	})
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.closed.Load() }

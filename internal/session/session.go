// Package session tracks the long-lived websocket channels of devices
// and operator consoles and owns operator fan-out.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Role of a connection, discovered from its first command.
type Role int32

const (
	RoleNone Role = iota
	RoleDevice
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleOperator:
		return "operator"
	default:
		return "none"
	}
}

// ErrSessionClosed is returned by Send on a closed or saturated session.
var ErrSessionClosed = errors.New("session: closed")

// Conn is the transport surface a session needs; *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session wraps one websocket connection. Outbound frames go through a
// buffered channel drained by WritePump, so sends never block the
// router; closing the channel lets the pump flush queued frames before
// the connection drops.
type Session struct {
	ID         string
	RemoteAddr string

	conn Conn

	// mu makes Send and Close mutually exclusive: Close closes the send
	// channel, so an enqueue racing it would panic.
	mu     sync.Mutex
	send   chan []byte
	closed bool

	done     chan struct{}
	doneOnce sync.Once

	role   atomic.Int32
	serial atomic.Value // string, set once registered as a device
}

func New(conn Conn, remoteAddr string) *Session {
	s := &Session{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	s.serial.Store("")
	return s
}

// Role returns the current role.
func (s *Session) Role() Role {
	return Role(s.role.Load())
}

func (s *Session) setRole(r Role) {
	s.role.Store(int32(r))
}

// Serial returns the device serial, empty until device registration.
func (s *Session) Serial() string {
	v, _ := s.serial.Load().(string)
	return v
}

func (s *Session) setSerial(sn string) {
	s.serial.Store(sn)
}

// Send marshals v and enqueues it. A closed or saturated session
// swallows the frame at debug level; one slow consumer must not stall
// the router.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound frame", "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.send <- data:
		return nil
	default:
		slog.Debug("outbound buffer full, dropping frame", "session", s.ID, "role", s.Role().String())
		return ErrSessionClosed
	}
}

// Close stops accepting sends and lets WritePump drain what is already
// queued before closing the connection.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Done is closed once WritePump has flushed the queue and released the
// connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// WritePump drains the send channel onto the wire. It returns once the
// channel is closed and drained, or on the first write error.
func (s *Session) WritePump() {
	defer func() {
		s.conn.Close()
		s.doneOnce.Do(func() { close(s.done) })
	}()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("session write failed", "session", s.ID, "error", err)
			return
		}
	}
}

// ReadPump feeds inbound frames to handler in arrival order and calls
// onClose exactly once when the connection dies.
func (s *Session) ReadPump(handler func(raw []byte), onClose func()) {
	defer func() {
		onClose()
		s.Close()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			slog.Debug("session read ended", "session", s.ID, "error", err)
			return
		}
		handler(raw)
	}
}

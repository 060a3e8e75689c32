package session

import (
	"log/slog"
	"sync"

	"github.com/your-org/facegate/internal/observability"
)

// Registry tracks connected devices and operators. Each device serial
// maps to at most one session; any number of operators may coexist.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Session // serial -> session
	operators map[string]*Session // session id -> session

	// onDeviceGone fires outside the lock when a device session is
	// unregistered or superseded; the enrollment controller hooks it to
	// cancel pending captures.
	onDeviceGone func(serial string)
}

func NewRegistry() *Registry {
	return &Registry{
		devices:   make(map[string]*Session),
		operators: make(map[string]*Session),
	}
}

// SetDeviceGoneHook installs the disconnect callback. Must be called
// before the registry is shared.
func (r *Registry) SetDeviceGoneHook(fn func(serial string)) {
	r.onDeviceGone = fn
}

// RegisterDevice binds a serial to a session. A prior session for the
// same serial is closed and superseded.
func (r *Registry) RegisterDevice(serial string, s *Session) {
	r.mu.Lock()
	prev := r.devices[serial]
	r.devices[serial] = s
	s.setRole(RoleDevice)
	s.setSerial(serial)
	r.mu.Unlock()

	if prev != nil && prev.ID != s.ID {
		slog.Info("device session superseded", "serial", serial, "old", prev.ID, "new", s.ID)
		prev.Close()
	} else {
		observability.WSConnections.WithLabelValues(RoleDevice.String()).Inc()
	}
	slog.Info("device registered", "serial", serial, "session", s.ID, "addr", s.RemoteAddr)
}

// RegisterOperator adds a session to the operator set.
func (r *Registry) RegisterOperator(s *Session) {
	r.mu.Lock()
	r.operators[s.ID] = s
	s.setRole(RoleOperator)
	r.mu.Unlock()

	observability.WSConnections.WithLabelValues(RoleOperator.String()).Inc()
	slog.Info("operator registered", "session", s.ID, "addr", s.RemoteAddr)
}

// Unregister removes a session from whichever table holds it and fires
// the device-gone hook for a device session.
func (r *Registry) Unregister(s *Session) {
	var goneSerial string

	r.mu.Lock()
	switch s.Role() {
	case RoleDevice:
		serial := s.Serial()
		// Only drop the binding if this session still owns it; a
		// superseding session must not be evicted by its predecessor's
		// close.
		if cur, ok := r.devices[serial]; ok && cur.ID == s.ID {
			delete(r.devices, serial)
			goneSerial = serial
			observability.WSConnections.WithLabelValues(RoleDevice.String()).Dec()
		}
	case RoleOperator:
		if _, ok := r.operators[s.ID]; ok {
			delete(r.operators, s.ID)
			observability.WSConnections.WithLabelValues(RoleOperator.String()).Dec()
		}
	}
	r.mu.Unlock()

	if goneSerial != "" {
		slog.Info("device disconnected", "serial", goneSerial, "session", s.ID)
		if r.onDeviceGone != nil {
			r.onDeviceGone(goneSerial)
		}
	}
}

// BroadcastToOperators sends a frame to every operator. A failed send
// to one session never blocks the others.
func (r *Registry) BroadcastToOperators(v any) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.operators))
	for _, s := range r.operators {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(v); err != nil {
			slog.Debug("operator broadcast failed", "session", s.ID, "error", err)
		}
	}
}

// IsDeviceConnected reports whether a serial has a live session.
func (r *Registry) IsDeviceConnected(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[serial]
	return ok
}

// DeviceSerials returns the connected serials.
func (r *Registry) DeviceSerials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for sn := range r.devices {
		out = append(out, sn)
	}
	return out
}

// DeviceSessions returns a snapshot of the connected device sessions.
func (r *Registry) DeviceSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.devices))
	for _, s := range r.devices {
		out = append(out, s)
	}
	return out
}

// OperatorCount returns the number of connected operators.
func (r *Registry) OperatorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}

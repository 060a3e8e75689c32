// Package enroll drives the multi-shot face capture state machine.
// Each shot arrives as an independent device-initiated log frame, so
// the controller persists per-device state between messages and bounds
// it with a wall clock checked lazily on the next frame.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/your-org/facegate/internal/storage"
)

var (
	ErrDeviceOffline    = errors.New("enroll: device not connected")
	ErrAlreadyEnrolling = errors.New("enroll: enrollment already pending for device")
	ErrFaceExists       = errors.New("enroll: user already has face data")
)

// Pending is the per-device enrollment state. At most one exists per
// device serial.
type Pending struct {
	EnrollID       int
	Name           string
	IsAdmin        bool
	ShotsRemaining int
	StartedAt      time.Time
}

// ShotOutcome describes what a device log frame did to the machine.
type ShotOutcome int

const (
	// ShotIgnored: no pending entry, or the frame advanced nothing.
	ShotIgnored ShotOutcome = iota
	// ShotAccepted: the image was persisted, more shots expected.
	ShotAccepted
	// ShotComplete: the final shot landed; the entry is removed and the
	// caller commits the capture to the gallery.
	ShotComplete
	// ShotTimedOut: the entry exceeded its deadline and was removed; the
	// caller purges partial device state.
	ShotTimedOut
)

// ConnectivityChecker is the slice of the session registry the
// controller needs for its precondition.
type ConnectivityChecker interface {
	IsDeviceConnected(serial string) bool
}

type Controller struct {
	mu      sync.Mutex
	pending map[string]*Pending

	devices ConnectivityChecker
	repo    storage.Repository
	timeout time.Duration
	shots   int
}

func NewController(devices ConnectivityChecker, repo storage.Repository, timeout time.Duration, shots int) *Controller {
	return &Controller{
		pending: make(map[string]*Pending),
		devices: devices,
		repo:    repo,
		timeout: timeout,
		shots:   shots,
	}
}

// Start begins collecting shots for a device. Each precondition
// failure aborts with its own reason.
func (c *Controller) Start(ctx context.Context, serial string, enrollID int, name string, isAdmin bool) error {
	if !c.devices.IsDeviceConnected(serial) {
		return ErrDeviceOffline
	}

	c.mu.Lock()
	if _, exists := c.pending[serial]; exists {
		c.mu.Unlock()
		return ErrAlreadyEnrolling
	}
	c.mu.Unlock()

	hasFace, err := c.repo.HasFaceData(ctx, enrollID)
	if err != nil {
		return fmt.Errorf("check face data: %w", err)
	}
	if hasFace {
		return ErrFaceExists
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check: a concurrent Start may have won the race while the
	// store call was in flight.
	if _, exists := c.pending[serial]; exists {
		return ErrAlreadyEnrolling
	}
	c.pending[serial] = &Pending{
		EnrollID:       enrollID,
		Name:           name,
		IsAdmin:        isAdmin,
		ShotsRemaining: c.shots,
		StartedAt:      time.Now(),
	}
	return nil
}

// Pending returns a copy of the entry for a serial.
func (c *Controller) Pending(serial string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[serial]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// HandleShot advances the machine with one device log frame. record is
// the base-64 capture; frames without an image do not advance the
// machine. The returned Pending snapshot reflects the entry at the
// moment of the transition.
func (c *Controller) HandleShot(ctx context.Context, serial, record string) (ShotOutcome, Pending, error) {
	c.mu.Lock()
	p, ok := c.pending[serial]
	if !ok {
		c.mu.Unlock()
		return ShotIgnored, Pending{}, nil
	}

	if time.Since(p.StartedAt) > c.timeout {
		delete(c.pending, serial)
		c.mu.Unlock()
		return ShotTimedOut, *p, nil
	}

	if record == "" {
		snap := *p
		c.mu.Unlock()
		return ShotIgnored, snap, nil
	}
	snap := *p
	c.mu.Unlock()

	// Persist outside the lock; a device's frames are serialized by its
	// session, so no second shot can race this one.
	err := c.repo.UpsertUser(ctx, storage.UserRecord{
		EnrollID:  snap.EnrollID,
		Name:      snap.Name,
		BackupNum: 50,
		IsAdmin:   snap.IsAdmin,
		Record:    record,
	})
	if err != nil {
		return ShotIgnored, snap, fmt.Errorf("persist shot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok = c.pending[serial]
	if !ok {
		// cancelled between persist and decrement
		return ShotIgnored, snap, nil
	}
	p.ShotsRemaining--
	if p.ShotsRemaining <= 0 {
		delete(c.pending, serial)
		return ShotComplete, *p, nil
	}
	return ShotAccepted, *p, nil
}

// Cancel removes any pending entry for a serial. The session registry
// calls this when a device disconnects.
func (c *Controller) Cancel(serial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[serial]; !ok {
		return false
	}
	delete(c.pending, serial)
	return true
}

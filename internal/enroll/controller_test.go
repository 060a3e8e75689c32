package enroll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/your-org/facegate/internal/storage"
)

type fakeDevices struct {
	online map[string]bool
}

func (f *fakeDevices) IsDeviceConnected(serial string) bool {
	return f.online[serial]
}

type fakeRepo struct {
	storage.Repository
	hasFace    map[int]bool
	hasFaceErr error
	upserts    []storage.UserRecord
	upsertErr  error
}

func (f *fakeRepo) HasFaceData(ctx context.Context, enrollID int) (bool, error) {
	if f.hasFaceErr != nil {
		return false, f.hasFaceErr
	}
	return f.hasFace[enrollID], nil
}

func (f *fakeRepo) UpsertUser(ctx context.Context, u storage.UserRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, u)
	return nil
}

func newTestController(online bool) (*Controller, *fakeRepo) {
	repo := &fakeRepo{hasFace: map[int]bool{}}
	devices := &fakeDevices{online: map[string]bool{"SN1": online}}
	return NewController(devices, repo, time.Minute, 2), repo
}

func TestStartPreconditions(t *testing.T) {
	ctx := context.Background()

	c, _ := newTestController(false)
	if err := c.Start(ctx, "SN1", 1001, "alice", false); !errors.Is(err, ErrDeviceOffline) {
		t.Fatalf("offline device: err = %v, want ErrDeviceOffline", err)
	}

	c, repo := newTestController(true)
	repo.hasFace[1001] = true
	if err := c.Start(ctx, "SN1", 1001, "alice", false); !errors.Is(err, ErrFaceExists) {
		t.Fatalf("existing face: err = %v, want ErrFaceExists", err)
	}

	c, _ = newTestController(true)
	if err := c.Start(ctx, "SN1", 1001, "alice", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(ctx, "SN1", 1002, "bob", false); !errors.Is(err, ErrAlreadyEnrolling) {
		t.Fatalf("second start: err = %v, want ErrAlreadyEnrolling", err)
	}
}

func TestShotSequence(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestController(true)

	if err := c.Start(ctx, "SN1", 1001, "alice", false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Frame without an image advances nothing.
	outcome, p, err := c.HandleShot(ctx, "SN1", "")
	if err != nil || outcome != ShotIgnored {
		t.Fatalf("empty record: outcome = %v, err = %v", outcome, err)
	}
	if p.ShotsRemaining != 2 {
		t.Fatalf("shots remaining = %d after empty record, want 2", p.ShotsRemaining)
	}

	outcome, p, err = c.HandleShot(ctx, "SN1", "shot-1")
	if err != nil || outcome != ShotAccepted {
		t.Fatalf("first shot: outcome = %v, err = %v", outcome, err)
	}
	if p.ShotsRemaining != 1 {
		t.Fatalf("shots remaining = %d, want 1", p.ShotsRemaining)
	}

	outcome, p, err = c.HandleShot(ctx, "SN1", "shot-2")
	if err != nil || outcome != ShotComplete {
		t.Fatalf("final shot: outcome = %v, err = %v", outcome, err)
	}
	if p.EnrollID != 1001 || p.Name != "alice" {
		t.Fatalf("completion snapshot = %+v", p)
	}

	if _, pending := c.Pending("SN1"); pending {
		t.Fatal("entry survived completion")
	}
	if len(repo.upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(repo.upserts))
	}
	if repo.upserts[0].BackupNum != 50 {
		t.Fatalf("shot stored under backupnum %d, want 50", repo.upserts[0].BackupNum)
	}

	// A fresh start is allowed once the previous run completed.
	if err := c.Start(ctx, "SN1", 1002, "bob", false); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
}

func TestShotWithoutPendingEntry(t *testing.T) {
	c, repo := newTestController(true)

	outcome, _, err := c.HandleShot(context.Background(), "SN1", "shot")
	if err != nil || outcome != ShotIgnored {
		t.Fatalf("outcome = %v, err = %v, want ShotIgnored", outcome, err)
	}
	if len(repo.upserts) != 0 {
		t.Fatal("shot persisted without a pending entry")
	}
}

func TestShotTimeout(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{hasFace: map[int]bool{}}
	devices := &fakeDevices{online: map[string]bool{"SN1": true}}
	c := NewController(devices, repo, time.Nanosecond, 2)

	if err := c.Start(ctx, "SN1", 1001, "alice", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(time.Millisecond)

	outcome, p, err := c.HandleShot(ctx, "SN1", "shot")
	if err != nil || outcome != ShotTimedOut {
		t.Fatalf("outcome = %v, err = %v, want ShotTimedOut", outcome, err)
	}
	if p.EnrollID != 1001 {
		t.Fatalf("timeout snapshot = %+v", p)
	}
	if _, pending := c.Pending("SN1"); pending {
		t.Fatal("entry survived timeout")
	}
	if len(repo.upserts) != 0 {
		t.Fatal("timed-out shot was persisted")
	}
}

func TestShotPersistError(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestController(true)
	repo.upsertErr = errors.New("db down")

	if err := c.Start(ctx, "SN1", 1001, "alice", false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome, _, err := c.HandleShot(ctx, "SN1", "shot")
	if err == nil || outcome != ShotIgnored {
		t.Fatalf("outcome = %v, err = %v, want error + ShotIgnored", outcome, err)
	}
	// The entry stays; the device will retry the shot.
	if p, pending := c.Pending("SN1"); !pending || p.ShotsRemaining != 2 {
		t.Fatalf("pending after persist failure = %+v, %v", p, pending)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(true)

	if c.Cancel("SN1") {
		t.Fatal("Cancel returned true with nothing pending")
	}

	if err := c.Start(ctx, "SN1", 1001, "alice", false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Cancel("SN1") {
		t.Fatal("Cancel returned false for a pending entry")
	}
	if _, pending := c.Pending("SN1"); pending {
		t.Fatal("entry survived cancel")
	}
}

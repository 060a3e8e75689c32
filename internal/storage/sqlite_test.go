package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestNextEnrollIDStartsAtFloor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.NextEnrollID(ctx)
	if err != nil {
		t.Fatalf("NextEnrollID: %v", err)
	}
	if id != enrollIDFloor {
		t.Fatalf("first id = %d, want %d", id, enrollIDFloor)
	}

	id2, err := s.NextEnrollID(ctx)
	if err != nil {
		t.Fatalf("NextEnrollID: %v", err)
	}
	if id2 != id+1 {
		t.Fatalf("second id = %d, want %d", id2, id+1)
	}
}

func TestNextEnrollIDFollowsMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, UserRecord{EnrollID: 5000, Name: "alice", BackupNum: faceBackupNum, Record: "img"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	id, err := s.NextEnrollID(ctx)
	if err != nil {
		t.Fatalf("NextEnrollID: %v", err)
	}
	if id != 5001 {
		t.Fatalf("id = %d, want 5001 (past the existing max)", id)
	}
}

func TestFaceRowLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if row, err := s.FetchFaceRow(ctx, 1001); err != nil || row != nil {
		t.Fatalf("FetchFaceRow(absent) = %+v, %v", row, err)
	}

	ok, err := s.HasFaceData(ctx, 1001)
	if err != nil || ok {
		t.Fatalf("HasFaceData(absent) = %v, %v", ok, err)
	}

	if err := s.UpsertUser(ctx, UserRecord{EnrollID: 1001, Name: "alice", BackupNum: faceBackupNum, Record: "img-data"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	ok, err = s.HasFaceData(ctx, 1001)
	if err != nil || !ok {
		t.Fatalf("HasFaceData = %v, %v, want true", ok, err)
	}

	row, err := s.FetchFaceRow(ctx, 1001)
	if err != nil || row == nil {
		t.Fatalf("FetchFaceRow = %+v, %v", row, err)
	}
	if row.Name != "alice" || row.Record != "img-data" || !row.IsActive {
		t.Fatalf("row = %+v", row)
	}
	if row.Embedding != nil {
		t.Fatalf("fresh row has embedding %v", row.Embedding)
	}

	emb := []float32{0.25, -1.5, 3}
	if err := s.SetEmbedding(ctx, 1001, emb); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	row, _ = s.FetchFaceRow(ctx, 1001)
	if len(row.Embedding) != 3 || row.Embedding[1] != -1.5 {
		t.Fatalf("embedding round trip = %v", row.Embedding)
	}

	if err := s.SetEmbedding(ctx, 9999, emb); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetEmbedding(absent) err = %v, want ErrNotFound", err)
	}
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, UserRecord{EnrollID: 1001, Name: "alice", BackupNum: faceBackupNum, Record: "v1"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := s.UpsertUser(ctx, UserRecord{EnrollID: 1001, Name: "alice b", BackupNum: faceBackupNum, Record: "v2"}); err != nil {
		t.Fatalf("UpsertUser update: %v", err)
	}

	row, _ := s.FetchFaceRow(ctx, 1001)
	if row.Name != "alice b" || row.Record != "v2" {
		t.Fatalf("row after update = %+v", row)
	}
}

func TestSetUserActiveAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1001, Name: "alice", BackupNum: faceBackupNum, Record: "img"})
	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1002, Name: "bob", BackupNum: faceBackupNum, Record: "img"})
	// Card slot must not show up in the face snapshot.
	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1003, Name: "carol", BackupNum: 11, Record: "card"})

	if err := s.SetUserActive(ctx, 1002, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if err := s.SetUserActive(ctx, 9999, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetUserActive(absent) err = %v, want ErrNotFound", err)
	}

	snap, err := s.SnapshotActiveFaceUsers(ctx)
	if err != nil {
		t.Fatalf("SnapshotActiveFaceUsers: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot = %v, want 2 face rows", snap)
	}
	if !snap[1001] || snap[1002] {
		t.Fatalf("snapshot flags = %v", snap)
	}
}

func TestDeleteUserRemovesAllSlots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1001, Name: "alice", BackupNum: faceBackupNum, Record: "img"})
	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1001, Name: "alice", BackupNum: 11, Record: "card"})

	if err := s.DeleteUser(ctx, 1001); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if ok, _ := s.HasFaceData(ctx, 1001); ok {
		t.Fatal("face data survived delete")
	}
	if err := s.DeleteUser(ctx, 1001); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestLogAttendanceDebounce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	inserted, err := s.LogAttendance(ctx, 1001, "SN1", base)
	if err != nil || !inserted {
		t.Fatalf("first scan: inserted = %v, err = %v", inserted, err)
	}

	// Within the debounce window, even from another device.
	inserted, err = s.LogAttendance(ctx, 1001, "SN2", base.Add(5*time.Second))
	if err != nil || inserted {
		t.Fatalf("debounced scan: inserted = %v, err = %v", inserted, err)
	}

	// A different user is not debounced.
	inserted, err = s.LogAttendance(ctx, 1002, "SN1", base.Add(time.Second))
	if err != nil || !inserted {
		t.Fatalf("other user: inserted = %v, err = %v", inserted, err)
	}

	// Past the window.
	inserted, err = s.LogAttendance(ctx, 1001, "SN1", base.Add(attendanceDebounce+time.Second))
	if err != nil || !inserted {
		t.Fatalf("post-window scan: inserted = %v, err = %v", inserted, err)
	}
}

func TestSearchUsersByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1001, Name: "Alina", BackupNum: faceBackupNum, Record: "img"})
	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1002, Name: "Boris", BackupNum: faceBackupNum, Record: "img"})
	_ = s.UpsertUser(ctx, UserRecord{EnrollID: 1003, Name: "Galina", BackupNum: faceBackupNum, Record: "img"})

	users, err := s.SearchUsersByName(ctx, "lina")
	if err != nil {
		t.Fatalf("SearchUsersByName: %v", err)
	}
	if len(users) != 2 || users[0].EnrollID != 1001 || users[1].EnrollID != 1003 {
		t.Fatalf("search result = %+v", users)
	}

	users, _ = s.SearchUsersByName(ctx, "zzz")
	if len(users) != 0 {
		t.Fatalf("search with no hits = %+v", users)
	}
}

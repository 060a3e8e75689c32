// Package storage provides the durable user roster and attendance log.
// Two backends implement the same Repository contract: Postgres (pgx,
// with a pgvector embedding column) and an embedded sqlite store for
// single-box installs. The backend is chosen at startup from config.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user row does not exist.
var ErrNotFound = errors.New("storage: not found")

// attendanceDebounce suppresses duplicate attendance rows for the same
// user within this window.
const attendanceDebounce = 20 * time.Second

// enrollIDFloor is the smallest id NextEnrollID ever hands out.
const enrollIDFloor = 1000

// faceBackupNum is the backup slot that carries the face template.
const faceBackupNum = 50

// UserRecord is the write shape for a user row. Record is the base-64
// capture for the given backup slot.
type UserRecord struct {
	EnrollID  int
	Name      string
	BackupNum int
	IsAdmin   bool
	Record    string
}

// FaceRow is the full face-slot row for one user. Embedding is nil for
// rows imported from the legacy schema that never stored a vector.
type FaceRow struct {
	Name      string
	Record    string
	IsActive  bool
	Embedding []float32
}

// UserSummary is the light row returned by name search.
type UserSummary struct {
	EnrollID int
	Name     string
	IsActive bool
}

// Repository is the store contract. Implementations must be safe for
// concurrent use.
type Repository interface {
	// HasFaceData reports whether the face slot holds a capture.
	HasFaceData(ctx context.Context, enrollID int) (bool, error)

	// UpsertUser inserts or replaces the row for (enroll_id, backup_num).
	UpsertUser(ctx context.Context, u UserRecord) error

	// SetEmbedding persists the computed embedding for the face slot.
	SetEmbedding(ctx context.Context, enrollID int, embedding []float32) error

	// DeleteUser purges every row for the id, not just the face slot.
	DeleteUser(ctx context.Context, enrollID int) error

	// SetUserActive flips the active flag. ErrNotFound when no row.
	SetUserActive(ctx context.Context, enrollID int, active bool) error

	// LogAttendance inserts an attendance row unless one exists for the
	// id within the last 20 seconds. Reports whether a row was written.
	LogAttendance(ctx context.Context, enrollID int, deviceSN string, at time.Time) (bool, error)

	// SearchUsersByName matches case-insensitive substrings.
	SearchUsersByName(ctx context.Context, fragment string) ([]UserSummary, error)

	// NextEnrollID returns max(enroll_id)+1 under a lock, floored to
	// 1000. Ids are never reused.
	NextEnrollID(ctx context.Context) (int, error)

	// SnapshotActiveFaceUsers returns the (id, active) set of users that
	// have face data. A light query; it never pulls record blobs.
	SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error)

	// FetchFaceRow returns the full face slot for one user, nil when the
	// user has no face data.
	FetchFaceRow(ctx context.Context, enrollID int) (*FaceRow, error)

	Ping(ctx context.Context) error
	Close()
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/facegate/internal/config"
)

// Expected schema:
//
//	CREATE TABLE face_users (
//	    enroll_id  integer NOT NULL,
//	    backup_num integer NOT NULL,
//	    name       text    NOT NULL DEFAULT '',
//	    is_admin   boolean NOT NULL DEFAULT false,
//	    is_active  boolean NOT NULL DEFAULT true,
//	    record     text,
//	    embedding  vector,
//	    updated_at timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (enroll_id, backup_num)
//	);
//	CREATE TABLE attendance (
//	    id        bigserial PRIMARY KEY,
//	    enroll_id integer     NOT NULL,
//	    device_sn text        NOT NULL,
//	    ts        timestamptz NOT NULL
//	);
//	CREATE INDEX attendance_enroll_ts ON attendance (enroll_id, ts DESC);

type PostgresStore struct {
	pool *pgxpool.Pool
}

// enrollIDLockKey serializes NextEnrollID across connections.
const enrollIDLockKey = 0x6661636567617465 // "facegate"

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) HasFaceData(ctx context.Context, enrollID int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM face_users
		     WHERE enroll_id = $1 AND backup_num = $2 AND record IS NOT NULL
		 )`, enrollID, faceBackupNum,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has face data: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u UserRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO face_users (enroll_id, backup_num, name, is_admin, record, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (enroll_id, backup_num) DO UPDATE
		 SET name = EXCLUDED.name, is_admin = EXCLUDED.is_admin,
		     record = EXCLUDED.record, updated_at = now()`,
		u.EnrollID, u.BackupNum, u.Name, u.IsAdmin, u.Record)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.EnrollID, err)
	}
	return nil
}

func (s *PostgresStore) SetEmbedding(ctx context.Context, enrollID int, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	tag, err := s.pool.Exec(ctx,
		`UPDATE face_users SET embedding = $2, updated_at = now()
		 WHERE enroll_id = $1 AND backup_num = $3`,
		enrollID, vec, faceBackupNum)
	if err != nil {
		return fmt.Errorf("set embedding %d: %w", enrollID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, enrollID int) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM face_users WHERE enroll_id = $1`, enrollID)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", enrollID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetUserActive(ctx context.Context, enrollID int, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE face_users SET is_active = $2, updated_at = now() WHERE enroll_id = $1`,
		enrollID, active)
	if err != nil {
		return fmt.Errorf("set user active %d: %w", enrollID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LogAttendance(ctx context.Context, enrollID int, deviceSN string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO attendance (enroll_id, device_sn, ts)
		 SELECT $1, $2, $3
		 WHERE NOT EXISTS (
		     SELECT 1 FROM attendance
		     WHERE enroll_id = $1 AND ts > $3 - $4::interval
		 )`,
		enrollID, deviceSN, at, attendanceDebounce.String())
	if err != nil {
		return false, fmt.Errorf("log attendance %d: %w", enrollID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SearchUsersByName(ctx context.Context, fragment string) ([]UserSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT enroll_id, name, is_active FROM face_users
		 WHERE backup_num = $1 AND name ILIKE '%' || $2 || '%'
		 ORDER BY enroll_id`,
		faceBackupNum, fragment)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []UserSummary
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.EnrollID, &u.Name, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) NextEnrollID(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Aggregate queries cannot take row locks, so serialize allocation
	// with an advisory lock scoped to the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(enrollIDLockKey)); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}

	var maxID int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(enroll_id), 0) FROM face_users`,
	).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max enroll id: %w", err)
	}

	next := maxID + 1
	if next < enrollIDFloor {
		next = enrollIDFloor
	}

	// Reserve the id so a concurrent caller past the lock cannot see
	// the same max.
	if _, err := tx.Exec(ctx,
		`INSERT INTO face_users (enroll_id, backup_num, name) VALUES ($1, $2, '')
		 ON CONFLICT (enroll_id, backup_num) DO NOTHING`,
		next, faceBackupNum); err != nil {
		return 0, fmt.Errorf("reserve enroll id: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT enroll_id, is_active FROM face_users
		 WHERE backup_num = $1 AND record IS NOT NULL`,
		faceBackupNum)
	if err != nil {
		return nil, fmt.Errorf("snapshot face users: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[int]bool)
	for rows.Next() {
		var id int
		var active bool
		if err := rows.Scan(&id, &active); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snapshot[id] = active
	}
	return snapshot, rows.Err()
}

func (s *PostgresStore) FetchFaceRow(ctx context.Context, enrollID int) (*FaceRow, error) {
	row := &FaceRow{}
	var record *string
	var vec *pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT name, record, is_active, embedding FROM face_users
		 WHERE enroll_id = $1 AND backup_num = $2`,
		enrollID, faceBackupNum,
	).Scan(&row.Name, &record, &row.IsActive, &vec)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch face row %d: %w", enrollID, err)
	}
	if record == nil {
		return nil, nil
	}
	row.Record = *record
	if vec != nil {
		row.Embedding = vec.Slice()
	}
	return row, nil
}

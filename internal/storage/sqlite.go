package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteStore is the embedded backend for single-box installs. Sqlite
// is a single-writer database, so NextEnrollID only needs a write
// transaction to be safe.
type SQLiteStore struct {
	db *gorm.DB
}

type faceUserRow struct {
	EnrollID  int    `gorm:"primaryKey;column:enroll_id"`
	BackupNum int    `gorm:"primaryKey;column:backup_num"`
	Name      string `gorm:"column:name"`
	IsAdmin   bool   `gorm:"column:is_admin"`
	IsActive  bool   `gorm:"column:is_active;default:true"`
	Record    string `gorm:"column:record"`
	Embedding []byte `gorm:"column:embedding"` // little-endian float32s
	UpdatedAt time.Time
}

func (faceUserRow) TableName() string { return "face_users" }

type attendanceRow struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	EnrollID int       `gorm:"column:enroll_id;index:idx_attendance_enroll_ts"`
	DeviceSN string    `gorm:"column:device_sn"`
	TS       time.Time `gorm:"column:ts;index:idx_attendance_enroll_ts"`
}

func (attendanceRow) TableName() string { return "attendance" }

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.AutoMigrate(&faceUserRow{}, &attendanceRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) HasFaceData(ctx context.Context, enrollID int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&faceUserRow{}).
		Where("enroll_id = ? AND backup_num = ? AND record <> ''", enrollID, faceBackupNum).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("has face data: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u UserRecord) error {
	row := faceUserRow{
		EnrollID:  u.EnrollID,
		BackupNum: u.BackupNum,
		Name:      u.Name,
		IsAdmin:   u.IsAdmin,
		IsActive:  true,
		Record:    u.Record,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing faceUserRow
		err := tx.Where("enroll_id = ? AND backup_num = ?", u.EnrollID, u.BackupNum).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			return tx.Model(&existing).Updates(map[string]any{
				"name": u.Name, "is_admin": u.IsAdmin, "record": u.Record,
			}).Error
		}
	})
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.EnrollID, err)
	}
	return nil
}

func (s *SQLiteStore) SetEmbedding(ctx context.Context, enrollID int, embedding []float32) error {
	res := s.db.WithContext(ctx).Model(&faceUserRow{}).
		Where("enroll_id = ? AND backup_num = ?", enrollID, faceBackupNum).
		Update("embedding", encodeEmbedding(embedding))
	if res.Error != nil {
		return fmt.Errorf("set embedding %d: %w", enrollID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, enrollID int) error {
	res := s.db.WithContext(ctx).Where("enroll_id = ?", enrollID).Delete(&faceUserRow{})
	if res.Error != nil {
		return fmt.Errorf("delete user %d: %w", enrollID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetUserActive(ctx context.Context, enrollID int, active bool) error {
	res := s.db.WithContext(ctx).Model(&faceUserRow{}).
		Where("enroll_id = ?", enrollID).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("set user active %d: %w", enrollID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) LogAttendance(ctx context.Context, enrollID int, deviceSN string, at time.Time) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&attendanceRow{}).
			Where("enroll_id = ? AND ts > ?", enrollID, at.Add(-attendanceDebounce)).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		inserted = true
		return tx.Create(&attendanceRow{EnrollID: enrollID, DeviceSN: deviceSN, TS: at}).Error
	})
	if err != nil {
		return false, fmt.Errorf("log attendance %d: %w", enrollID, err)
	}
	return inserted, nil
}

func (s *SQLiteStore) SearchUsersByName(ctx context.Context, fragment string) ([]UserSummary, error) {
	var rows []faceUserRow
	err := s.db.WithContext(ctx).
		Where("backup_num = ? AND name LIKE ?", faceBackupNum, "%"+fragment+"%").
		Order("enroll_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	users := make([]UserSummary, 0, len(rows))
	for _, r := range rows {
		users = append(users, UserSummary{EnrollID: r.EnrollID, Name: r.Name, IsActive: r.IsActive})
	}
	return users, nil
}

func (s *SQLiteStore) NextEnrollID(ctx context.Context) (int, error) {
	var next int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxID int
		if err := tx.Model(&faceUserRow{}).
			Select("COALESCE(MAX(enroll_id), 0)").
			Scan(&maxID).Error; err != nil {
			return err
		}
		next = maxID + 1
		if next < enrollIDFloor {
			next = enrollIDFloor
		}
		return tx.Create(&faceUserRow{
			EnrollID: next, BackupNum: faceBackupNum, IsActive: true,
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("next enroll id: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error) {
	var rows []faceUserRow
	err := s.db.WithContext(ctx).
		Select("enroll_id", "is_active").
		Where("backup_num = ? AND record <> ''", faceBackupNum).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("snapshot face users: %w", err)
	}

	snapshot := make(map[int]bool, len(rows))
	for _, r := range rows {
		snapshot[r.EnrollID] = r.IsActive
	}
	return snapshot, nil
}

func (s *SQLiteStore) FetchFaceRow(ctx context.Context, enrollID int) (*FaceRow, error) {
	var row faceUserRow
	err := s.db.WithContext(ctx).
		Where("enroll_id = ? AND backup_num = ?", enrollID, faceBackupNum).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch face row %d: %w", enrollID, err)
	}
	if row.Record == "" {
		return nil, nil
	}
	return &FaceRow{
		Name:      row.Name,
		Record:    row.Record,
		IsActive:  row.IsActive,
		Embedding: decodeEmbedding(row.Embedding),
	}, nil
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

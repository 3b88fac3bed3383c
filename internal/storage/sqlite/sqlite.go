// Package sqlite is a GORM-backed SQLite implementation of the storage
// repositories, for single-host deployments that want a real database file
// without running Postgres.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/pvzzle/txmonitor/internal/storage"
)

const (
	// InMemoryDSN creates an ephemeral database, used by tests.
	InMemoryDSN = ":memory:"

	dirPermissions = 0o750
)

var gormConfig = &gorm.Config{
	Logger: logger.Default.LogMode(logger.Silent),
}

// StateEntry is one key/value state blob.
type StateEntry struct {
	Name      string `gorm:"primaryKey"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// OutcomeRow is the settled outcome of one transaction.
type OutcomeRow struct {
	TxID      string `gorm:"primaryKey"`
	Kind      string `gorm:"not null"`
	Status    string `gorm:"not null"`
	Success   bool
	ErrorMsg  string `gorm:"type:text"`
	ErrorCode *int
	SettledAt time.Time `gorm:"index"`
}

func (OutcomeRow) TableName() string { return "tx_outcomes" }

func (StateEntry) TableName() string { return "kv_state" }

type Store struct {
	db *gorm.DB
}

var _ storage.Repository = (*Store)(nil)

// OpenFile opens (or creates) dir/filename.
func OpenFile(dir, filename string) (*Store, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory: %s", dir)
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "error checking directory")
	}
	return open(filepath.Join(dir, filename))
}

func OpenInMemory() (*Store, error) {
	return open(InMemoryDSN)
}

func open(dsn string) (*Store, error) {
	if dsn != InMemoryDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// one connection keeps the in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{db: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&StateEntry{}, &OutcomeRow{}); err != nil {
		return errors.Wrap(err, "failed to auto-migrate database schema")
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, key string) ([]byte, error) {
	var entry StateEntry
	err := s.db.WithContext(ctx).Where("name = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %q: %w", key, err)
	}
	return entry.Value, nil
}

func (s *Store) SaveState(ctx context.Context, key string, data []byte) error {
	entry := StateEntry{Name: key, Value: data, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to save state %q: %w", key, err)
	}
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, o storage.Outcome) (bool, error) {
	row := OutcomeRow{
		TxID:      o.TxID,
		Kind:      o.Kind,
		Status:    o.Status,
		Success:   o.Success,
		ErrorMsg:  o.ErrorMessage,
		ErrorCode: o.ErrorCode,
		SettledAt: o.SettledAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record outcome: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []OutcomeRow
	if err := s.db.WithContext(ctx).
		Order("settled_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}

	out := make([]storage.Outcome, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.Outcome{
			TxID:         r.TxID,
			Kind:         r.Kind,
			Status:       r.Status,
			Success:      r.Success,
			ErrorMessage: r.ErrorMsg,
			ErrorCode:    r.ErrorCode,
			SettledAt:    r.SettledAt,
		})
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "failed to close database connection")
	}
	return nil
}

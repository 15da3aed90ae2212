// Package gormquota implements quota.Service on top of GORM, supporting
// sqlite3, postgres, and mysql dialectors with a silenced default logger.
// It stores one row per quota root rather than per username, so it can
// back arbitrary quota roots, not only account mailboxes.
package gormquota

import (
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/themadorg/cyruslite/quota"
)

// Root is the GORM model backing one quota root's usage/limit.
type Root struct {
	Name  string `gorm:"primaryKey"`
	Used  int64
	Limit int64
}

// RootMapping persists which quota root a mailbox name currently resolves
// to, so FindRoot survives process restarts.
type RootMapping struct {
	MailboxName string `gorm:"primaryKey"`
	RootName    string
}

// Config selects the SQL dialect and DSN.
type Config struct {
	Driver string // "sqlite3"/"sqlite", "postgres", or "mysql"
	DSN    string
	Debug  bool
}

// Open connects to the configured database and migrates the quota tables.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite3", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("gormquota: unsupported database driver: %s", cfg.Driver)
	}

	gcfg := &gorm.Config{}
	if !cfg.Debug {
		gcfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("gormquota: open: %w", err)
	}
	if err := db.AutoMigrate(&Root{}, &RootMapping{}); err != nil {
		return nil, fmt.Errorf("gormquota: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Store is a quota.Service backed by a *gorm.DB.
type Store struct {
	db *gorm.DB
}

// GetGORMDB exposes the underlying connection so a host process sharing
// one database file across subsystems can reuse this connection instead
// of opening a second one.
func (s *Store) GetGORMDB() *gorm.DB {
	return s.db
}

func (s *Store) Begin() (quota.Txn, error) {
	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return tx, nil
}

func (s *Store) Read(t quota.Txn, root string) (used, limit int64, err error) {
	tx := t.(*gorm.DB)
	var row Root
	err = tx.Where("name = ?", root).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, quota.ErrRootNonexistent
	}
	if err != nil {
		return 0, 0, err
	}
	return row.Used, row.Limit, nil
}

func (s *Store) Write(t quota.Txn, root string, used, limit int64) error {
	tx := t.(*gorm.DB)
	row := Root{Name: root, Used: used, Limit: limit}
	return tx.Save(&row).Error
}

func (s *Store) Delete(t quota.Txn, root string) error {
	tx := t.(*gorm.DB)
	return tx.Where("name = ?", root).Delete(&Root{}).Error
}

func (s *Store) Commit(t quota.Txn) error {
	tx := t.(*gorm.DB)
	return tx.Commit().Error
}

func (s *Store) Rollback(t quota.Txn) error {
	tx := t.(*gorm.DB)
	return tx.Rollback().Error
}

func (s *Store) FindRoot(name string) (string, bool, error) {
	var row RootMapping
	err := s.db.Where("mailbox_name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.RootName, true, nil
}

// SetRoot persists that name resolves to root, creating the root record
// (with the given default limit) if it does not already exist.
func (s *Store) SetRoot(name, root string, defaultLimit int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&RootMapping{MailboxName: name, RootName: root}).Error; err != nil {
			return err
		}
		var existing Root
		err := tx.Where("name = ?", root).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&Root{Name: root, Used: 0, Limit: defaultLimit}).Error
		}
		return err
	})
}

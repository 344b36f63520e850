package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/session"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const busyTimeoutPragma = "_pragma=busy_timeout(5000)"

// OpenSQLite opens the client database holding the local store and the session,
// then performs schema migrations.
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	models := append(localstore.Models(), &session.Entry{}, &migrationRecord{})
	db, err := Open(path, log, models...)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, log); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

// Open establishes a SQLite connection and auto-migrates the given models.
// The foreground CLI and the background daemon may share one file; writers wait on
// the busy timeout instead of failing immediately.
func Open(path string, log *zap.Logger, models ...any) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(withBusyTimeout(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withBusyTimeout(path string) string {
	if strings.Contains(path, "mode=memory") || path == ":memory:" || strings.Contains(path, "busy_timeout") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + busyTimeoutPragma
}

func ensureParentDir(path string) error {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/session"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesPendingStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&localstore.PendingSubmission{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := localstore.PendingSubmission{
		Description:      "written before statuses existed",
		PhotoFilename:    "a.png",
		PhotoContentType: "image/png",
		PhotoData:        []byte{1},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert pending row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored localstore.PendingSubmission
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload pending row: %v", err)
	}
	if stored.Status != localstore.StatusPending {
		testContext.Fatalf("expected status to be normalized, got %q", stored.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizePendingStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteCreatesClientSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "nested", "storyline.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := Close(database); err != nil {
			testContext.Fatalf("failed to close database: %v", err)
		}
	}()

	for _, model := range []any{&localstore.FavoriteEntry{}, &localstore.PendingSubmission{}, &localstore.CachedStory{}, &session.Entry{}, &migrationRecord{}} {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}

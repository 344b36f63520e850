package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizePendingStatus = "2026-10-01_normalize_pending_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizePendingStatus, apply: normalizePendingStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizePendingStatus gives queue rows written without a delivery status the pending state.
func normalizePendingStatus(db *gorm.DB) error {
	return db.Model(&localstore.PendingSubmission{}).
		Where("status = '' OR status IS NULL").
		Update("status", localstore.StatusPending).Error
}

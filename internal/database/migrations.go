package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/billsvc"
)

const migrationNormalizeLegacyStatuses = "2026-08-12_normalize_legacy_bill_statuses"

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
		{name: migrationNormalizeLegacyStatuses, apply: normalizeLegacyStatuses},
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

// normalizeLegacyStatuses rewrites the "unpaid" status that an earlier
// deployment stored for undecided bills.
func normalizeLegacyStatuses(db *gorm.DB) error {
	return db.Model(&billsvc.Bill{}).
		Where("status = ?", "unpaid").
		Update("status", string(billing.StatusPending)).Error
}

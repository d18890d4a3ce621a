package bootstrap

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"repocapture/internal/models"
)

// RolloutSeed describes a strategy version that must exist after bootstrap.
type RolloutSeed struct {
	StrategyVersion    string
	Percentage         int
	ErrorRateThreshold float64
}

// MigrateAndSeed ensures required tables exist and inserts baseline rollout rows.
func MigrateAndSeed(db *gorm.DB, seeds ...RolloutSeed) error {
	if err := Migrate(db); err != nil {
		return err
	}
	if err := seedDefaults(db, seeds); err != nil {
		return fmt.Errorf("seed defaults failed: %w", err)
	}
	return nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

func allModels() []interface{} {
	return []interface{}{
		// Tracked repositories
		&models.Repository{},
		&models.RepositoryClassification{},
		// Capture queue
		&models.CaptureJob{},
		&models.BackfillSeries{},
		&models.RolloutConfig{},
		// Captured data + webhook ledger
		&models.ActivityItem{},
		&models.WebhookDelivery{},
	}
}

// seedDefaults inserts missing rollout rows; existing rows keep their operator-set values.
func seedDefaults(db *gorm.DB, seeds []RolloutSeed) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, seed := range seeds {
			if seed.StrategyVersion == "" {
				continue
			}
			row := models.RolloutConfig{
				StrategyVersion:    seed.StrategyVersion,
				Percentage:         seed.Percentage,
				ErrorRateThreshold: seed.ErrorRateThreshold,
				UpdatedBy:          "bootstrap",
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

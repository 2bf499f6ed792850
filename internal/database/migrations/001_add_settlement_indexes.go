package migrations

import (
	"gorm.io/gorm"
)

// AddSettlementIndexes adds the indexes the operator queries and the
// reconciler sweep rely on. The settlements table must already exist.
func AddSettlementIndexes(db *gorm.DB) error {
	indexes := []string{
		// Listing by state, newest first
		`CREATE INDEX IF NOT EXISTS idx_settlements_state_created_at
		 ON settlements(state, created_at)`,

		// Sweep for unfinished runs
		`CREATE INDEX IF NOT EXISTS idx_settlements_updated_at
		 ON settlements(updated_at)`,

		// Reconciliation by discovered check
		`CREATE INDEX IF NOT EXISTS idx_settlements_check_id
		 ON settlements(check_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

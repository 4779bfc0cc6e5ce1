package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationUsernameNoCaseIndex = "2026-10-15_accounts_username_nocase_index"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	table string
	apply func(*gorm.DB) error
}

// applyMigrations runs each migration once. Migrations whose table is absent
// from this database are skipped and stay pending.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUsernameNoCaseIndex, table: "accounts", apply: createUsernameNoCaseIndex},
	}

	for _, migration := range migrations {
		if !db.Migrator().HasTable(migration.table) {
			continue
		}
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

// createUsernameNoCaseIndex makes usernames unique regardless of case. Struct
// tags cannot carry a collation on an index, so it lives in the ledger.
func createUsernameNoCaseIndex(db *gorm.DB) error {
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username_nocase ON accounts (username COLLATE NOCASE)").Error
}

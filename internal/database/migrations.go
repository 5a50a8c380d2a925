package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillFamilyTokens = "2026-03-01_backfill_family_push_tokens"
	migrationSettleSentOutbox     = "2026-03-04_settle_outbox_for_sent_events"
)

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
		{name: migrationBackfillFamilyTokens, apply: backfillFamilyTokens},
		{name: migrationSettleSentOutbox, apply: settleSentOutbox},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// backfillFamilyTokens rebuilds family index rows missing for registered owner tokens.
func backfillFamilyTokens(db *gorm.DB) error {
	return db.Exec(`INSERT INTO family_push_tokens (family_id, token_hash, token, platform, user_id, updated_at_ms)
SELECT u.family_id, u.token_hash, u.token, u.platform, u.user_id, u.updated_at_ms
FROM user_push_tokens u
WHERE u.family_id <> ''
AND NOT EXISTS (
	SELECT 1 FROM family_push_tokens f
	WHERE f.family_id = u.family_id AND f.token_hash = u.token_hash
)`).Error
}

// settleSentOutbox closes outbox entries whose event already finished its fanout.
func settleSentOutbox(db *gorm.DB) error {
	return db.Exec(`UPDATE sos_outbox
SET processed_at_ms = (
	SELECT e.fanout_sent_at_ms FROM sos_events e
	WHERE e.family_id = sos_outbox.family_id AND e.event_id = sos_outbox.event_id
)
WHERE processed_at_ms IS NULL
AND EXISTS (
	SELECT 1 FROM sos_events e
	WHERE e.family_id = sos_outbox.family_id AND e.event_id = sos_outbox.event_id
	AND e.fanout_sent_at_ms IS NOT NULL
)`).Error
}

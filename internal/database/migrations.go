package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Data repairs for stores adopted from the previous deployment. Its dump is loaded into the same table
// names before the first start; these run ahead of AutoMigrate so the rows satisfy the check and
// foreign key constraints it adds. On an empty store each one is recorded without touching anything.
const (
	migrationRemoveSelfFollows        = "2025-03-01_remove_self_follows"
	migrationRemoveOrphanedRows       = "2025-03-02_remove_orphaned_rows"
	migrationBackfillEmptyUsernames   = "2025-03-08_backfill_empty_usernames"
	migrationNormalizeEmptyImageLinks = "2025-04-12_normalize_empty_image_links"
)

const (
	usersTable         = "users"
	postsTable         = "posts"
	followsTable       = "follows"
	notificationsTable = "notifications"
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
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}

	migrations := []migrationDefinition{
		{name: migrationRemoveSelfFollows, apply: removeSelfFollows},
		{name: migrationRemoveOrphanedRows, apply: removeOrphanedRows},
		{name: migrationBackfillEmptyUsernames, apply: backfillEmptyUsernames},
		{name: migrationNormalizeEmptyImageLinks, apply: normalizeEmptyImageLinks},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func removeSelfFollows(db *gorm.DB) error {
	if !db.Migrator().HasTable(followsTable) {
		return nil
	}
	return db.Exec("DELETE FROM follows WHERE follower_id = following_id").Error
}

// Edges, notifications and posts whose users were not part of the dump would fail the foreign keys.
func removeOrphanedRows(db *gorm.DB) error {
	if !db.Migrator().HasTable(usersTable) {
		return nil
	}
	statements := map[string]string{
		followsTable:       "DELETE FROM follows WHERE follower_id NOT IN (SELECT id FROM users) OR following_id NOT IN (SELECT id FROM users)",
		notificationsTable: "DELETE FROM notifications WHERE user_id NOT IN (SELECT id FROM users) OR creator_id NOT IN (SELECT id FROM users)",
		postsTable:         "DELETE FROM posts WHERE author_id NOT IN (SELECT id FROM users)",
	}
	for _, table := range []string{followsTable, notificationsTable, postsTable} {
		if !db.Migrator().HasTable(table) {
			continue
		}
		if err := db.Exec(statements[table]).Error; err != nil {
			return err
		}
	}
	return nil
}

// Usernames were optional upstream; fall back to the row id so the column is never blank.
func backfillEmptyUsernames(db *gorm.DB) error {
	if !db.Migrator().HasTable(usersTable) {
		return nil
	}
	return db.Table(usersTable).
		Where("username IS NULL OR username = ''").
		Update("username", gorm.Expr("id")).Error
}

func normalizeEmptyImageLinks(db *gorm.DB) error {
	for _, table := range []string{usersTable, postsTable} {
		if !db.Migrator().HasTable(table) {
			continue
		}
		if err := db.Table(table).Where("image = ''").Update("image", nil).Error; err != nil {
			return err
		}
	}
	return nil
}

package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/soni801/soni-bot/sonibot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	originalType, originalDB := cfg.DatabaseType, cfg.Database
	t.Cleanup(
		func() {
			cfg.DatabaseType = originalType
			cfg.Database = originalDB
		},
	)
	cfg.DatabaseType = "sqlite"
	cfg.Database = dbPath

	out := &bytes.Buffer{}
	migrateCmd.SetContext(context.Background())
	migrateCmd.SetOut(out)
	t.Cleanup(func() { migrateCmd.SetOut(nil) })

	require.NoError(t, migrateCmd.RunE(migrateCmd, nil))
	assert.Contains(t, out.String(), "Migration complete")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	assert.True(t, db.Migrator().HasTable(&sonibot.Reminder{}))
	assert.True(t, db.Migrator().HasTable(&sonibot.ReactionRole{}))
	assert.True(t, db.Migrator().HasTable(&sonibot.InteractionLog{}))
}

func TestMigrateCommandMissingDatabase(t *testing.T) {
	originalDB := cfg.Database
	t.Cleanup(func() { cfg.Database = originalDB })
	cfg.Database = ""

	migrateCmd.SetContext(context.Background())
	assert.Error(t, migrateCmd.RunE(migrateCmd, nil))
}

package database

import (
	"context"
	"path/filepath"
	"testing"

	"careline/internal/config"
	"careline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrate_SQLite(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "careline.db")

	db, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, Ping(context.Background(), db))
	require.NoError(t, Migrate(db, nil))

	for _, m := range models.All() {
		assert.True(t, db.Migrator().HasTable(m), "missing table for %T", m)
	}
	assert.True(t, db.Migrator().HasIndex("conversations", "idx_conversations_session_status_start"))

	// migrating twice is harmless
	require.NoError(t, Migrate(db, nil))
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "oracle"
	_, err := Open(cfg, nil)
	assert.Error(t, err)
}

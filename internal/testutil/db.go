package testutil

import (
	"io"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/storage"
)

// OpenDB opens a migrated sqlite database inside t.TempDir and closes it
// when the test ends.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	logger.SetOutput(io.Discard)

	db, err := storage.Initialize(config.DatabaseConfig{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "ephemeral.db"),
		LogLevel: "SILENT",
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() {
		storage.Close(db)
	})
	return db
}

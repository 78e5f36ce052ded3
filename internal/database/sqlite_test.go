package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"go.uber.org/zap"
)

func TestOpenSQLiteMigratesSessionSchema(testContext *testing.T) {
	db, err := OpenSQLite(filepath.Join(testContext.TempDir(), "client.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if !db.Migrator().HasTable(&session.Session{}) {
		testContext.Fatalf("expected the session table to exist")
	}
	stored := session.Session{Profile: "default", Token: "abc.def.ghi", UserID: "42"}
	if err := db.Create(&stored).Error; err != nil {
		testContext.Fatalf("failed to insert session: %v", err)
	}
}

func TestOpenSQLiteIsIdempotent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "client.db")
	for attempt := 0; attempt < 2; attempt++ {
		db, err := OpenSQLite(databasePath, zap.NewNop())
		if err != nil {
			testContext.Fatalf("open attempt %d failed: %v", attempt, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			testContext.Fatalf("failed to access sql db: %v", err)
		}
		_ = sqlDB.Close()
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an empty path to be rejected")
	}
}

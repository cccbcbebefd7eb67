// Package repositorytest provides a sqlite backed repository for the tests of
// the packages that build on the execution store.
package repositorytest

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/instill-ai/execution-backend/pkg/repository"
)

// NewSQLiteRepository returns a repository over a fresh sqlite database in a
// temporary directory. The database is closed when the test ends.
func NewSQLiteRepository(t testing.TB) repository.Repository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "execution.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&repository.ExecutionModel{},
		&repository.FileExecutionModel{},
		&repository.APIDeploymentModel{},
	); err != nil {
		t.Fatalf("migrating sqlite database: %v", err)
	}

	return repository.NewRepository(db, repository.WithIdleConnections(1))
}

package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

const defaultIdleConnections = 2

// Repository interface
type Repository interface {
	Execution
	FileExecution
	APIDeployment
	PoolRefresher
}

// PoolRefresher drops the pooled connections so that the next queries open
// fresh ones.
type PoolRefresher interface {
	RefreshPool(ctx context.Context) error
}

type repository struct {
	db              *gorm.DB
	idleConnections int
}

// Option customizes the repository.
type Option func(*repository)

// WithIdleConnections sets the idle pool size restored after a refresh.
func WithIdleConnections(n int) Option {
	return func(r *repository) {
		r.idleConnections = n
	}
}

// NewRepository returns a Repository over db.
func NewRepository(db *gorm.DB, opts ...Option) Repository {
	r := &repository{
		db:              db,
		idleConnections: defaultIdleConnections,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RefreshPool closes every idle connection and checks that a new one can be
// opened. Connections in use are dropped by database/sql when they are
// returned with an error.
func (r *repository) RefreshPool(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("accessing connection pool: %w", err)
	}

	sqlDB.SetMaxIdleConns(0)
	sqlDB.SetMaxIdleConns(r.idleConnections)

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database after pool refresh: %w", err)
	}
	return nil
}

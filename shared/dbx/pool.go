// Package dbx opens the Postgres pool and owns the embedded schema.
package dbx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
)

var ErrNoPool = errors.New("dbx: pool is nil")

func poolConfig(cfg config.Config) (*pgxpool.Config, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns > 0 {
		pc.MaxConns = int32(cfg.DBMaxConns)
	}
	if cfg.DBMinConns > 0 && int32(cfg.DBMinConns) <= pc.MaxConns {
		pc.MinConns = int32(cfg.DBMinConns)
	}
	if cfg.DBConnMaxIdleSec > 0 {
		pc.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	}
	if cfg.DBConnMaxLifeSec > 0 {
		pc.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second
	}
	if cfg.ServiceName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ServiceName
	}
	return pc, nil
}

// NewPool builds the pool lazily; the first query dials.
func NewPool(cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(context.Background(), pc)
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNoPool
	}
	return pool.Ping(ctx)
}

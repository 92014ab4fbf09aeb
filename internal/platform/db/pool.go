package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// ConnectAttempts bounds the startup ping. Zero means a single try.
	ConnectAttempts int
	// RetryDelay is the first wait between attempts; it doubles each time.
	RetryDelay time.Duration
}

// NewPool opens a pgx pool and waits until the database answers a ping.
// Postgres often starts alongside the server, so early refusals are retried.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second
	if cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = "medidash"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pingWithRetry(ctx, pool.Ping, pc.ConnectAttempts, pc.RetryDelay); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func pingWithRetry(ctx context.Context, ping func(context.Context) error, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var err error
	for i := 1; ; i++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if i >= attempts {
			return fmt.Errorf("ping database after %d attempt(s): %w", i, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("ping database: %w", ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}

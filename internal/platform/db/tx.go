package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type txKey struct{}

// TxFromContext returns the transaction started by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithTx runs fn inside a transaction. Repositories called with the derived
// context join it. fn's error rolls the transaction back; nested calls reuse
// the outer transaction.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else {
		tx, err = pool.Begin(ctx)
		if err == nil {
			if clinic := ClinicFromContext(ctx); clinic != "" {
				_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", SchemaFor(clinic)))
				if err != nil {
					_ = tx.Rollback(ctx)
				}
			}
		}
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Scoped returns the Querier a repository should use for ctx: the open
// transaction, the request's clinic connection, a freshly acquired connection
// pinned to the clinic named in ctx, or the bare pool. The release func must
// always be called.
func Scoped(ctx context.Context, pool *pgxpool.Pool) (Querier, func(), error) {
	if tx := TxFromContext(ctx); tx != nil {
		return tx, func() {}, nil
	}
	if c := ConnFromContext(ctx); c != nil {
		return c, func() {}, nil
	}
	clinic := ClinicFromContext(ctx)
	if clinic == "" {
		return pool, func() {}, nil
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if err := setSearchPath(ctx, conn, clinic); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path: %w", err)
	}
	return conn, func() { releaseScoped(conn) }, nil
}

// TxManager adapts WithTx to an interface services can depend on.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, m.pool, fn)
}

// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// poolConfig holds the parameters for opening a SQLite connection pool.
type poolConfig struct {
	Path      string
	PoolSize  int
	Logger    *slog.Logger
	OnConnect func(conn *sqlite.Conn) error
}

// pool is a fixed-size pool of SQLite connections with WAL pragmas applied
// to every connection. SQLite serializes writers, so extra connections only
// help concurrent readers.
type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func openPool(cfg poolConfig) (*pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", size)

	return &pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// take borrows a connection. ctx also interrupts statements run on it.
func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitestore: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitestore: OnConnect: %w", err)
		}
	}

	return nil
}

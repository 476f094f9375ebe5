// Package store implements the content-addressed node table, the
// per-store generation registry, the sparse ancestor index, the tree
// engine (insert/delete/upsert/autoinsert/batch/proofs support), and the
// diff engine. Persistence is SQLite via the pure-Go
// github.com/ncruces/go-sqlite3 driver, following the same sql.Open +
// embedded-schema-string pattern used elsewhere in this codebase's storage
// layers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/merkledl/datalayer/log"
)

// Store is the facade over one SQLite database holding a store's nodes,
// roots, ancestor index, and diff support. A process may
// hold many stores (one per store_id) against the same database, or one
// Store per database file; the schema itself is store_id-scoped so both
// layouts work.
type Store struct {
	writer *sql.DB // single connection: serializes all mutations
	reader *sql.DB // pool of connections used for reads
	cache  *fastcache.Cache
	logger *log.Logger
}

// Config controls the node-read cache size and logging.
type Config struct {
	NodeCacheBytes int
	Logger         *log.Logger
}

// DefaultConfig returns sensible defaults: a 32MiB node cache and the
// package's standard logger.
func DefaultConfig() Config {
	return Config{
		NodeCacheBytes: 32 << 20,
		Logger:         log.New(slog.LevelInfo),
	}
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string, cfg Config) (*Store, error) {
	writer, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open reader: %w", err)
	}

	if _, err := writer.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	if cfg.NodeCacheBytes <= 0 {
		cfg.NodeCacheBytes = DefaultConfig().NodeCacheBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(slog.LevelInfo)
	}

	return &Store{
		writer: writer,
		reader: reader,
		cache:  fastcache.New(cfg.NodeCacheBytes),
		logger: cfg.Logger,
	}, nil
}

// Close releases both connection pools and the node cache.
func (s *Store) Close() error {
	s.cache.Reset()
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// withTx runs fn inside a write transaction on the single writer connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

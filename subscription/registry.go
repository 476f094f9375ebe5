// Package subscription implements the per-store, insertion-ordered
// download-server registry, including the escalating back-off schedule
// applied before a failing server is retried. Persistence follows the same
// database/sql + embedded-schema-string pattern as the store package;
// mutation is guarded by a single mutex so registry updates never race
// with a concurrent sync sweep.
package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/merkledl/datalayer/treehash"
)

// ServerInfo is one registered peer for a store.
type ServerInfo struct {
	URL                 string
	ConsecutiveFailures int
	IgnoreUntilUnixSecs int64
}

// Registry is the subscription registry: one SQLite-backed table of
// (store_id, url) rows, guarded by a single mutex for all mutations.
type Registry struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("subscription: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("subscription: apply schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Subscribe merges urls into storeID's server list, appending each new URL
// at the end and skipping any already present.
func (r *Registry) Subscribe(ctx context.Context, storeID treehash.Hash, urls []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(position) FROM subscription_servers WHERE store_id = ?`, storeID.Hex()).Scan(&maxPos); err != nil {
		return err
	}
	next := int64(0)
	if maxPos.Valid {
		next = maxPos.Int64 + 1
	}

	for _, url := range urls {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM subscription_servers WHERE store_id = ? AND url = ?`,
			storeID.Hex(), url).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscription_servers (store_id, url, position, consecutive_failures, ignore_until_unix_secs) VALUES (?, ?, ?, 0, 0)`,
			storeID.Hex(), url, next); err != nil {
			return err
		}
		next++
	}
	return tx.Commit()
}

// Unsubscribe removes every server entry for storeID.
func (r *Registry) Unsubscribe(ctx context.Context, storeID treehash.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx, `DELETE FROM subscription_servers WHERE store_id = ?`, storeID.Hex())
	return err
}

// GetSubscriptions returns every store_id with at least one subscription,
// in the order they were first subscribed.
func (r *Registry) GetSubscriptions(ctx context.Context) ([]treehash.Hash, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT store_id, MIN(rowid) AS first_seen FROM subscription_servers GROUP BY store_id ORDER BY first_seen ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []treehash.Hash
	for rows.Next() {
		var hex string
		var firstSeen int64
		if err := rows.Scan(&hex, &firstSeen); err != nil {
			return nil, err
		}
		h, err := treehash.HexToHash(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetServers returns storeID's registered servers in insertion order.
func (r *Registry) GetServers(ctx context.Context, storeID treehash.Hash) ([]ServerInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT url, consecutive_failures, ignore_until_unix_secs FROM subscription_servers WHERE store_id = ? ORDER BY position ASC`,
		storeID.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServerInfo
	for rows.Next() {
		var s ServerInfo
		if err := rows.Scan(&s.URL, &s.ConsecutiveFailures, &s.IgnoreUntilUnixSecs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetAvailableServersForStore returns storeID's servers whose ignore_until
// has elapsed by nowUnixSecs, in registry order.
func (r *Registry) GetAvailableServersForStore(ctx context.Context, storeID treehash.Hash, nowUnixSecs int64) ([]ServerInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT url, consecutive_failures, ignore_until_unix_secs FROM subscription_servers
		 WHERE store_id = ? AND ignore_until_unix_secs <= ? ORDER BY position ASC`,
		storeID.Hex(), nowUnixSecs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServerInfo
	for rows.Next() {
		var s ServerInfo
		if err := rows.Scan(&s.URL, &s.ConsecutiveFailures, &s.IgnoreUntilUnixSecs); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

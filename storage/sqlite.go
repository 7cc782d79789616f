// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hankbao/conduit/lib/sqlitepool"
)

// SQLiteKV implements KV on a single-table SQLite schema. Safe for
// concurrent use; each call borrows its own pooled connection.
type SQLiteKV struct {
	pool *sqlitepool.Pool
}

// Schema is the kv table DDL, applied through the pool's OnConnect
// hook (CREATE TABLE IF NOT EXISTS makes it idempotent per
// connection).
const Schema = `CREATE TABLE IF NOT EXISTS kv (key BLOB PRIMARY KEY, value BLOB NOT NULL)`

// PrepareConn applies the schema; pass it as sqlitepool.Config.OnConnect.
func PrepareConn(conn *sqlite.Conn) error {
	return sqlitex.ExecuteTransient(conn, Schema, nil)
}

// NewSQLiteKV wraps an opened pool.
func NewSQLiteKV(pool *sqlitepool.Pool) *SQLiteKV {
	return &SQLiteKV{pool: pool}
}

// Get returns the value stored under key.
func (s *SQLiteKV) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return value, found, nil
}

// Put stores value under key. Durability is provided by the pool's
// synchronous=FULL pragma.
func (s *SQLiteKV) Put(ctx context.Context, key, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value", &sqlitex.ExecOptions{
		Args: []any{key, value},
	})
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Scan visits keys with the given prefix in ascending order.
func (s *SQLiteKV) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	// The half-open range [prefix, prefixEnd) covers exactly the keys
	// with this prefix; prefixEnd is the prefix with its last byte
	// incremented (carrying over 0xff bytes).
	end := prefixEnd(prefix)

	options := &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			key := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, key)
			value := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, value)
			return fn(key, value)
		},
	}

	if end == nil {
		options.Args = []any{prefix}
		err = sqlitex.Execute(conn, "SELECT key, value FROM kv WHERE key >= ? ORDER BY key", options)
	} else {
		options.Args = []any{prefix, end}
		err = sqlitex.Execute(conn, "SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key", options)
	}
	if err != nil {
		return fmt.Errorf("kv scan: %w", err)
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with the
// given prefix, or nil if no such key exists (all-0xff prefix).
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
`

// SQLite is a Store backed by one table in a SQLite database.
type SQLite struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Schema: schema,
		Logger: logger,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, err)
	}
	return &SQLite{pool: pool}, nil
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fault.Wrapf(fault.KindStorage, err, "kvstore %s", op)
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return storageError("put", s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return upsert(conn, key, value)
	}))
}

func upsert(conn *sqlite.Conn, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return sqlitex.Execute(conn,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, value}})
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, storageError("get", err)
	}
	return value, found, nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	return storageError("remove", s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{Args: []any{key}})
	}))
}

// rangeQuery builds the WHERE clause for a prefix scan. The bounds keep
// the scan on the primary key index.
func rangeQuery(columns, prefix string) (string, []any) {
	query := "SELECT " + columns + " FROM kv"
	var args []any
	if prefix != "" {
		query += " WHERE key >= ?"
		args = append(args, prefix)
		if end := prefixEnd(prefix); end != "" {
			query += " AND key < ?"
			args = append(args, end)
		}
	}
	return query + " ORDER BY key", args
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	query, args := rangeQuery("key", prefix)
	var keys []string
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	})
	return keys, storageError("list", err)
}

func (s *SQLite) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	query, args := rangeQuery("key, value", prefix)
	var entries []Entry
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, value)
				entries = append(entries, Entry{Key: stmt.ColumnText(0), Value: value})
				return nil
			},
		})
	})
	return entries, storageError("scan", err)
}

func (s *SQLite) Batch(ctx context.Context, ops []BatchOp) error {
	for _, op := range ops {
		if err := validateKey(op.Key); err != nil {
			return err
		}
	}
	return storageError("batch", s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				err = sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{Args: []any{op.Key}})
			} else {
				err = upsert(conn, op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*), coalesce(sum(length(value)), 0) FROM kv", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Keys = stmt.ColumnInt(0)
				stats.Bytes = stmt.ColumnInt64(1)
				return nil
			},
		})
	})
	return stats, storageError("stats", err)
}

func (s *SQLite) Close() error {
	return storageError("close", s.pool.Close())
}

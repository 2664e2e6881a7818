// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/quorum/lib/sqlitepool"
)

const testSchema = `CREATE TABLE IF NOT EXISTS entries (name TEXT PRIMARY KEY, value INTEGER NOT NULL);`

func openTestPool(t *testing.T) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 4,
		Schema:   testSchema,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func count(t *testing.T, pool *sqlitepool.Pool) int {
	t.Helper()
	var n int
	err := pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM entries", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return n
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("Open accepted an empty path")
	}
}

func TestPragmas(t *testing.T) {
	pool := openTestPool(t)
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var journalMode string
	var synchronous int
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	err = sqlitex.Execute(conn, "PRAGMA synchronous", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			synchronous = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
	if synchronous != 2 {
		t.Errorf("synchronous = %d, want 2 (FULL)", synchronous)
	}
}

func TestWriteCommitsAndRollsBack(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO entries VALUES (?, ?)", &sqlitex.ExecOptions{Args: []any{"a", 1}})
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	sentinel := errors.New("abandon")
	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO entries VALUES (?, ?)", &sqlitex.ExecOptions{Args: []any{"b", 2}}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Write error = %v, want sentinel", err)
	}
	if got := count(t, pool); got != 1 {
		t.Fatalf("count = %d, want 1 after rollback", got)
	}
}

func TestConcurrentWriters(t *testing.T) {
	pool := openTestPool(t)
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pool.Write(context.Background(), func(conn *sqlite.Conn) error {
				return sqlitex.Execute(conn, "INSERT INTO entries VALUES (?, ?)",
					&sqlitex.ExecOptions{Args: []any{fmt.Sprintf("w%d", i), i}})
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := count(t, pool); got != writers {
		t.Fatalf("count = %d, want %d", got, writers)
	}
}

func TestTakeAfterCancel(t *testing.T) {
	pool := openTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conns := make([]*sqlite.Conn, 0, 4)
	for range 4 {
		conn, err := pool.Take(context.Background())
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		conns = append(conns, conn)
	}
	if _, err := pool.Take(ctx); err == nil {
		t.Error("Take succeeded on an exhausted pool with a cancelled context")
	}
	for _, conn := range conns {
		pool.Put(conn)
	}
}

// Package store persists the host's small local state in SQLite:
// project rows, per-project secret tokens, account revocations, and
// the host identity. Everything lives in one namespaced key/value
// table; the accessors here are the only schema the rest of the
// process sees.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sagemathinc/project-host/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	ns         TEXT NOT NULL,
	k          TEXT NOT NULL,
	v          TEXT NOT NULL,
	updated_ms INTEGER NOT NULL,
	PRIMARY KEY (ns, k)
);
`

// Key/value namespaces. New namespaces are cheap; renaming one is a
// migration.
const (
	nsHost        = "host"
	nsProjects    = "projects"
	nsSecrets     = "project-secret-tokens"
	nsRevocations = "account-revocations"
)

// Store is the host's SQLite-backed state. Safe for concurrent use;
// SQLite serialises writers and the busy timeout absorbs contention.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL",
		filepath.Join(dataDir, "host.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// ProvideStore is a Wire provider opening the store under the
// configured data directory. The cleanup closes the database handle.
func ProvideStore(conf *config.Config) (*Store, func(), error) {
	st, err := Open(conf.HostDataDir())
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, ns, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM kv WHERE ns = ? AND k = ?`, ns, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s/%s: %w", ns, key, err)
	}
	return v, true, nil
}

func (s *Store) put(ctx context.Context, ns, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (ns, k, v, updated_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT (ns, k) DO UPDATE SET v = excluded.v, updated_ms = excluded.updated_ms`,
		ns, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", ns, key, err)
	}
	return nil
}

// putIfAbsent inserts only when the key does not exist and reports
// whether the insert happened. Used for generate-on-first-read values
// so concurrent generators agree on one winner.
func (s *Store) putIfAbsent(ctx context.Context, ns, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (ns, k, v, updated_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT (ns, k) DO NOTHING`,
		ns, key, value, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("kv put-if-absent %s/%s: %w", ns, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) delete(ctx context.Context, ns, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE ns = ? AND k = ?`, ns, key); err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, ns string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k, v FROM kv WHERE ns = ?`, ns)
	if err != nil {
		return nil, fmt.Errorf("kv list %s: %w", ns, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

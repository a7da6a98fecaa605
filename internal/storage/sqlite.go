package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "github.com/HypeDuke/osint3/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// sqliteDSN carries the pragmas in the DSN so every pooled connection gets
// them, not just the first.
func sqliteDSN(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if ms := cfg.BusyTimeout.Milliseconds(); ms > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	cfg.Path = strings.TrimSpace(cfg.Path)
	if cfg.Path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", sqliteDSN(cfg))
	if err != nil {
		return nil, err
	}
	// one writer
	db.SetMaxOpenConns(1)

	st, err := newSQLStore(db, sqliteDialect, sqliteMigrations, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

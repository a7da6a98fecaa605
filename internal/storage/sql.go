package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/state"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// dialect captures what differs between the SQL drivers.
type dialect struct {
	name string
	// maxFn is the two-argument scalar max.
	maxFn string
	// ph returns the n-th (1-based) placeholder.
	ph func(n int) string
}

var (
	sqliteDialect   = dialect{name: "sqlite", maxFn: "max", ph: func(int) string { return "?" }}
	postgresDialect = dialect{name: "postgres", maxFn: "GREATEST", ph: func(n int) string { return "$" + strconv.Itoa(n) }}
)

// q rewrites '?' placeholders for the dialect.
func (d dialect) q(query string) string {
	if d.name == "sqlite" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.ph(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, migrations string, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, d: d, log: log, pruneEvery: 500}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	return st, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadState(ctx context.Context) (*state.MonitorState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var version string
	err := s.db.QueryRowContext(ctx, s.d.q(`SELECT value FROM monitor_meta WHERE key = ?`), "version").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st := state.New()
	if v, err := strconv.Atoi(version); err == nil && v > 0 {
		st.Version = v
	}

	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM initialized_channels`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st.MarkInitialized(platform.ChannelID(id))
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT channel_id, last_id FROM cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, last int64
		if err := rows.Scan(&id, &last); err != nil {
			return nil, err
		}
		st.Advance(platform.ChannelID(id), last)
	}
	return st, rows.Err()
}

func (s *sqlStore) SaveState(ctx context.Context, st *state.MonitorState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if st == nil {
		return nil
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.q(
		`INSERT INTO monitor_meta(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		"version", strconv.Itoa(state.CurrentVersion),
	); err != nil {
		return err
	}

	for _, id := range st.InitializedIDs() {
		if _, err := tx.ExecContext(ctx, s.d.q(
			`INSERT INTO initialized_channels(channel_id, at) VALUES(?, ?)
			 ON CONFLICT(channel_id) DO NOTHING`),
			int64(id), now,
		); err != nil {
			return err
		}
	}

	upsert := s.d.q(fmt.Sprintf(
		`INSERT INTO cursors(channel_id, last_id, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   last_id = %s(cursors.last_id, excluded.last_id),
		   updated_at = excluded.updated_at`, s.d.maxFn))
	for id, last := range st.Cursors {
		if _, err := tx.ExecContext(ctx, upsert, int64(id), last, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Forget(ctx context.Context, ids ...platform.ChannelID) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, s.d.q(`DELETE FROM initialized_channels WHERE channel_id = ?`), int64(id)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.d.q(`DELETE FROM cursors WHERE channel_id = ?`), int64(id)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.q(
		`INSERT INTO dedup(key, until) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.d.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.q(`DELETE FROM dedup WHERE until < ?`), time.Now().UnixMilli())
	return err
}

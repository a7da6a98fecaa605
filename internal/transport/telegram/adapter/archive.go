package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HypeDuke/osint3/internal/filter"
	"github.com/HypeDuke/osint3/internal/platform"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS posts (
	chat_id     INTEGER NOT NULL,
	id          INTEGER NOT NULL,
	posted_at   INTEGER NOT NULL,
	body        TEXT    NOT NULL DEFAULT '',
	folded      TEXT    NOT NULL DEFAULT '',
	sender_id   INTEGER NOT NULL DEFAULT 0,
	attachments TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (chat_id, id)
);
CREATE INDEX IF NOT EXISTS posts_chat_id_desc ON posts (chat_id, id DESC);
`

// Archive keeps every channel post the bot has seen. The Bot API has no
// history or search, so both are served from here.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens the archive at path. An empty path keeps it in memory
// on a single connection.
func OpenArchive(path string) (*Archive, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migrateArchive(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

// migrateArchive creates the schema and fills the folded column of rows
// written before it existed.
func migrateArchive(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		return err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('posts') WHERE name = 'folded'`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.ExecContext(ctx, `ALTER TABLE posts ADD COLUMN folded TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT chat_id, id, body FROM posts WHERE folded = '' AND body != ''`)
	if err != nil {
		return err
	}
	type row struct {
		chat, id int64
		body     string
	}
	var stale []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.chat, &r.id, &r.body); err != nil {
			_ = rows.Close()
			return err
		}
		stale = append(stale, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, r := range stale {
		if _, err := db.ExecContext(ctx, `UPDATE posts SET folded = ? WHERE chat_id = ? AND id = ?`, filter.Fold(r.body), r.chat, r.id); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) Close() error { return a.db.Close() }

// Put stores m. Edits of a known post replace it.
func (a *Archive) Put(ctx context.Context, m platform.Message) error {
	_, err := a.db.ExecContext(ctx, `
INSERT INTO posts (chat_id, id, posted_at, body, folded, sender_id, attachments)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (chat_id, id) DO UPDATE SET
	body = excluded.body,
	folded = excluded.folded,
	attachments = excluded.attachments`,
		int64(m.ChannelID), m.ID, m.Time.Unix(), m.Text, filter.Fold(m.Text), m.SenderID, encodeAttachments(m.Attachments))
	return err
}

// Latest returns up to limit posts of chat, newest first.
func (a *Archive) Latest(ctx context.Context, chat platform.ChannelID, limit int) ([]platform.Message, error) {
	return a.query(ctx, `
SELECT id, posted_at, body, sender_id, attachments FROM posts
WHERE chat_id = ?
ORDER BY id DESC LIMIT ?`, int64(chat), limit)
}

// After returns up to limit posts of chat with an id above after, oldest
// first.
func (a *Archive) After(ctx context.Context, chat platform.ChannelID, after int64, limit int) ([]platform.Message, error) {
	return a.query(ctx, `
SELECT id, posted_at, body, sender_id, attachments FROM posts
WHERE chat_id = ? AND id > ?
ORDER BY id ASC LIMIT ?`, int64(chat), after, limit)
}

// Search returns up to limit posts of chat whose text contains query under
// Unicode case folding, newest first.
func (a *Archive) Search(ctx context.Context, chat platform.ChannelID, query string, limit int) ([]platform.Message, error) {
	return a.query(ctx, `
SELECT id, posted_at, body, sender_id, attachments FROM posts
WHERE chat_id = ? AND folded LIKE ? ESCAPE '\'
ORDER BY id DESC LIMIT ?`, int64(chat), "%"+escapeLike(filter.Fold(query))+"%", limit)
}

func (a *Archive) query(ctx context.Context, q string, chat int64, args ...any) ([]platform.Message, error) {
	rows, err := a.db.QueryContext(ctx, q, append([]any{chat}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []platform.Message
	for rows.Next() {
		var (
			m       platform.Message
			posted  int64
			attachs string
		)
		if err := rows.Scan(&m.ID, &posted, &m.Text, &m.SenderID, &attachs); err != nil {
			return nil, err
		}
		m.ChannelID = platform.ChannelID(chat)
		m.Time = time.Unix(posted, 0).UTC()
		m.Attachments = decodeAttachments(attachs)
		out = append(out, m)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func encodeAttachments(kinds []platform.AttachmentKind) string {
	return strings.Join(platform.AttachmentNames(kinds), ",")
}

func decodeAttachments(s string) []platform.AttachmentKind {
	if s == "" {
		return nil
	}
	var out []platform.AttachmentKind
	for _, name := range strings.Split(s, ",") {
		if k, ok := attachmentByName[name]; ok {
			out = append(out, k)
		}
	}
	return out
}

var attachmentByName = func() map[string]platform.AttachmentKind {
	m := map[string]platform.AttachmentKind{}
	for k := platform.AttachmentPhoto; k <= platform.AttachmentPoll; k++ {
		m[k.String()] = k
	}
	return m
}()

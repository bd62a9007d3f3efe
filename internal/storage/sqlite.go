package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS posts (
  id             TEXT PRIMARY KEY,
  subreddit      TEXT NOT NULL,
  title          TEXT NOT NULL,
  author         TEXT,
  url            TEXT,
  permalink      TEXT,
  body           TEXT,
  score          INTEGER NOT NULL DEFAULT 0,
  comment_count  INTEGER NOT NULL DEFAULT 0,
  created_utc    INTEGER,
  fetched_at_utc INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_sub_time ON posts(subreddit, created_utc);

CREATE TABLE IF NOT EXISTS comments (
  id             TEXT PRIMARY KEY,
  post_id        TEXT NOT NULL REFERENCES posts(id),
  parent_id      TEXT REFERENCES comments(id),
  author         TEXT,
  body           TEXT,
  score          INTEGER NOT NULL DEFAULT 0,
  created_utc    INTEGER,
  depth          INTEGER NOT NULL DEFAULT 0,
  fetched_at_utc INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id);

CREATE TABLE IF NOT EXISTS crawl_cursors (
  target         TEXT PRIMARY KEY,
  cursor         TEXT NOT NULL,
  updated_at_utc INTEGER NOT NULL
);
`

// SQLiteStore is the default engine: a cgo-free local database with the
// same upsert semantics as the Postgres engine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the database file and applies
// the schema.
func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The driver serializes writes; a single connection avoids busy errors
	// under the concurrent pipeline.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SeenIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM posts UNION ALL SELECT id FROM comments`)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, sqliteErr(err)
		}
		ids[id] = struct{}{}
	}
	return ids, sqliteErrOrNil(rows.Err())
}

func (s *SQLiteStore) LoadCursor(ctx context.Context, target string) (domain.Cursor, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM crawl_cursors WHERE target = ?`, target).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", sqliteErr(err)
	}
	return domain.Cursor(cursor), nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, target string, cursor domain.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_cursors (target, cursor, updated_at_utc) VALUES (?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET cursor = excluded.cursor, updated_at_utc = excluded.updated_at_utc`,
		target, string(cursor), time.Now().Unix())
	return sqliteErrOrNil(err)
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, post domain.Post, comments []domain.Comment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (id, subreddit, title, author, url, permalink, body, score, comment_count, created_utc, fetched_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  title = excluded.title,
		  body = excluded.body,
		  score = excluded.score,
		  comment_count = excluded.comment_count,
		  fetched_at_utc = excluded.fetched_at_utc`,
		post.ID, post.Subreddit, post.Title, post.Author, post.URL, post.Permalink, post.Body,
		post.Score, post.CommentCount, unixOrNil(post.CreatedAt), post.FetchedAt.Unix())
	if err != nil {
		return sqliteErr(err)
	}

	// Comments arrive parent-first, so immediate FK checks hold within the
	// transaction.
	for _, c := range comments {
		var parent any
		if c.ParentID != "" {
			parent = c.ParentID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO comments (id, post_id, parent_id, author, body, score, created_utc, depth, fetched_at_utc)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			  author = excluded.author,
			  body = excluded.body,
			  score = excluded.score,
			  fetched_at_utc = excluded.fetched_at_utc`,
			c.ID, c.PostID, parent, c.Author, c.Body, c.Score, unixOrNil(c.CreatedAt), c.Depth, post.FetchedAt.Unix())
		if err != nil {
			return sqliteErr(err)
		}
	}
	return sqliteErrOrNil(tx.Commit())
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func sqliteErr(err error) error {
	if strings.Contains(err.Error(), "constraint") {
		return &domain.SinkError{Constraint: true, Err: err}
	}
	return &domain.SinkError{Err: err}
}

func sqliteErrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return sqliteErr(err)
}

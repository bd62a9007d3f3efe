package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS posts (
  id            TEXT PRIMARY KEY,
  subreddit     TEXT NOT NULL,
  title         TEXT NOT NULL,
  author        TEXT,
  url           TEXT,
  permalink     TEXT,
  body          TEXT,
  score         BIGINT NOT NULL DEFAULT 0,
  comment_count BIGINT NOT NULL DEFAULT 0,
  created_at    TIMESTAMPTZ,
  fetched_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_sub_time ON posts(subreddit, created_at);

CREATE TABLE IF NOT EXISTS comments (
  id         TEXT PRIMARY KEY,
  post_id    TEXT NOT NULL REFERENCES posts(id),
  parent_id  TEXT REFERENCES comments(id),
  author     TEXT,
  body       TEXT,
  score      BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ,
  depth      BIGINT NOT NULL DEFAULT 0,
  fetched_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id);

CREATE TABLE IF NOT EXISTS crawl_cursors (
  target     TEXT PRIMARY KEY,
  cursor     TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is the shared-database engine, backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SeenIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM posts UNION ALL SELECT id FROM comments`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pgErr(err)
		}
		ids[id] = struct{}{}
	}
	return ids, pgErrOrNil(rows.Err())
}

func (s *PostgresStore) LoadCursor(ctx context.Context, target string) (domain.Cursor, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM crawl_cursors WHERE target = $1`, target).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", pgErr(err)
	}
	return domain.Cursor(cursor), nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, target string, cursor domain.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_cursors (target, cursor, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (target) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
		target, string(cursor), time.Now().UTC())
	return pgErrOrNil(err)
}

func (s *PostgresStore) SaveBatch(ctx context.Context, post domain.Post, comments []domain.Comment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO posts (id, subreddit, title, author, url, permalink, body, score, comment_count, created_at, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		  title = EXCLUDED.title,
		  body = EXCLUDED.body,
		  score = EXCLUDED.score,
		  comment_count = EXCLUDED.comment_count,
		  fetched_at = EXCLUDED.fetched_at`,
		post.ID, post.Subreddit, post.Title, post.Author, post.URL, post.Permalink, post.Body,
		post.Score, post.CommentCount, timeOrNil(post.CreatedAt), post.FetchedAt)
	if err != nil {
		return pgErr(err)
	}

	for _, c := range comments {
		var parent *string
		if c.ParentID != "" {
			p := c.ParentID
			parent = &p
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO comments (id, post_id, parent_id, author, body, score, created_at, depth, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
			  author = EXCLUDED.author,
			  body = EXCLUDED.body,
			  score = EXCLUDED.score,
			  fetched_at = EXCLUDED.fetched_at`,
			c.ID, c.PostID, parent, c.Author, c.Body, c.Score, timeOrNil(c.CreatedAt), c.Depth, post.FetchedAt)
		if err != nil {
			return pgErr(err)
		}
	}
	return pgErrOrNil(tx.Commit(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// pgErr maps integrity-constraint errors (SQLSTATE class 23) to constraint
// sink errors; everything else is treated as a transient write failure.
func pgErr(err error) error {
	var pge *pgconn.PgError
	if errors.As(err, &pge) && strings.HasPrefix(pge.Code, "23") {
		return &domain.SinkError{Constraint: true, Err: err}
	}
	return &domain.SinkError{Err: err}
}

func pgErrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return pgErr(err)
}

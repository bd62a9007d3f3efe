package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

// MemoryStore keeps everything in process memory. It backs tests and
// offline runs and enforces the same batch semantics as the SQL engines:
// SaveBatch is all-or-nothing and referential constraints are checked.
type MemoryStore struct {
	mu       sync.Mutex
	posts    map[string]domain.Post
	comments map[string]domain.Comment
	cursors  map[string]domain.Cursor
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		posts:    make(map[string]domain.Post),
		comments: make(map[string]domain.Comment),
		cursors:  make(map[string]domain.Cursor),
	}
}

func (m *MemoryStore) SeenIDs(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]struct{}, len(m.posts)+len(m.comments))
	for id := range m.posts {
		ids[id] = struct{}{}
	}
	for id := range m.comments {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (m *MemoryStore) LoadCursor(ctx context.Context, target string) (domain.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[target], nil
}

func (m *MemoryStore) SaveCursor(ctx context.Context, target string, cursor domain.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[target] = cursor
	return nil
}

func (m *MemoryStore) SaveBatch(ctx context.Context, post domain.Post, comments []domain.Comment) error {
	if post.ID == "" {
		return &domain.SinkError{Constraint: true, Err: fmt.Errorf("post without id")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch before mutating anything so a failure
	// leaves no partial write, matching the SQL transaction scope.
	inBatch := make(map[string]struct{}, len(comments))
	for _, c := range comments {
		if c.PostID != post.ID {
			return &domain.SinkError{Constraint: true, Err: fmt.Errorf("comment %s references unknown post %s", c.ID, c.PostID)}
		}
		if c.ParentID != "" {
			if _, ok := inBatch[c.ParentID]; !ok {
				prev, stored := m.comments[c.ParentID]
				if !stored || prev.PostID != c.PostID {
					return &domain.SinkError{Constraint: true, Err: fmt.Errorf("comment %s references missing parent %s", c.ID, c.ParentID)}
				}
			}
		}
		inBatch[c.ID] = struct{}{}
	}

	if prev, ok := m.posts[post.ID]; ok {
		// Immutable once written except for refreshable fields.
		prev.Score = post.Score
		prev.CommentCount = post.CommentCount
		prev.Title = post.Title
		prev.Body = post.Body
		prev.FetchedAt = post.FetchedAt
		m.posts[post.ID] = prev
	} else {
		m.posts[post.ID] = post
	}
	for _, c := range comments {
		if prev, ok := m.comments[c.ID]; ok {
			prev.Score = c.Score
			prev.Body = c.Body
			prev.Author = c.Author
			m.comments[c.ID] = prev
			continue
		}
		m.comments[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Snapshot returns copies of the stored rows, for tests.
func (m *MemoryStore) Snapshot() (map[string]domain.Post, map[string]domain.Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	posts := make(map[string]domain.Post, len(m.posts))
	for k, v := range m.posts {
		posts[k] = v
	}
	comments := make(map[string]domain.Comment, len(m.comments))
	for k, v := range m.comments {
		comments[k] = v
	}
	return posts, comments
}

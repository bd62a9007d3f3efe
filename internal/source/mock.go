package source

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

// MockSource implements domain.Source with deterministic synthetic pages.
// It makes no network calls and is used for demos and pipeline tests.
type MockSource struct {
	Pages   int
	PerPage int
	Latency time.Duration
}

func NewMock() *MockSource {
	return &MockSource{Pages: 3, PerPage: 8, Latency: 5 * time.Millisecond}
}

func (m *MockSource) FetchListing(ctx context.Context, target string, cursor domain.Cursor) (*domain.ListingPage, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(string(cursor), "page:"))
		if err != nil {
			return nil, &domain.FetchError{Kind: domain.FetchFatal, URL: string(cursor), Err: err}
		}
		page = n
	}

	out := &domain.ListingPage{}
	now := time.Now().UTC()
	for i := 0; i < m.PerPage; i++ {
		id := fmt.Sprintf("t3_mock_%s_%d_%d", target, page, i)
		out.Stubs = append(out.Stubs, domain.PostStub{
			Post: domain.Post{
				ID:           id,
				Subreddit:    target,
				Title:        fmt.Sprintf("[%s] Simulated post %d on page %d", target, i, page),
				Author:       "simulated_user",
				URL:          "http://localhost/mock-url",
				Permalink:    "/r/" + target + "/comments/" + id + "/",
				Score:        rand.Intn(500),
				CommentCount: 3,
				CreatedAt:    now.Add(-time.Duration(page*m.PerPage+i) * time.Minute),
				FetchedAt:    now,
			},
			CommentsURL: "mock://" + id,
		})
	}
	if page < m.Pages {
		out.Next = domain.Cursor(fmt.Sprintf("page:%d", page+1))
	}
	return out, nil
}

func (m *MockSource) FetchThread(ctx context.Context, stub domain.PostStub) (*domain.Thread, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	postID := stub.Post.ID
	root := "t1_" + postID + "_c0"
	return &domain.Thread{
		Comments: []domain.Comment{
			{ID: root, PostID: postID, Author: "simulated_user", Body: "top level", Score: 3, CreatedAt: now, Depth: 0},
			{ID: "t1_" + postID + "_c1", PostID: postID, ParentID: root, Author: "simulated_user", Body: "reply", Score: 1, CreatedAt: now, Depth: 1},
			{ID: "t1_" + postID + "_c2", PostID: postID, Author: "simulated_user", Body: "another top level", Score: 2, CreatedAt: now, Depth: 0},
		},
	}, nil
}

// wait simulates network latency, which keeps concurrency paths honest in
// tests.
func (m *MockSource) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(m.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

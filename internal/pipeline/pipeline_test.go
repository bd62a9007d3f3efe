package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qepting91/reddit-harvester/internal/config"
	"github.com/qepting91/reddit-harvester/internal/domain"
	"github.com/qepting91/reddit-harvester/internal/source"
	"github.com/qepting91/reddit-harvester/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCrawlConfig() config.CrawlConfig {
	return config.CrawlConfig{
		Workers:  4,
		MaxPages: 20,
	}
}

// fakeSource serves scripted listing pages keyed by cursor and scripted
// threads keyed by post id, recording every call.
type fakeSource struct {
	mu          sync.Mutex
	pages       map[domain.Cursor]*domain.ListingPage
	listingErrs map[domain.Cursor]error
	threadErrs  map[string]error
	onListing   func(cursor domain.Cursor)

	cursorsSeen []domain.Cursor
	threadCalls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:       make(map[domain.Cursor]*domain.ListingPage),
		listingErrs: make(map[domain.Cursor]error),
		threadErrs:  make(map[string]error),
		threadCalls: make(map[string]int),
	}
}

func (f *fakeSource) FetchListing(ctx context.Context, target string, cursor domain.Cursor) (*domain.ListingPage, error) {
	f.mu.Lock()
	f.cursorsSeen = append(f.cursorsSeen, cursor)
	hook := f.onListing
	f.mu.Unlock()
	if hook != nil {
		hook(cursor)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.listingErrs[cursor]; err != nil {
		return nil, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return nil, &domain.FetchError{Kind: domain.FetchNotFound, URL: string(cursor)}
	}
	return page, nil
}

func (f *fakeSource) FetchThread(ctx context.Context, stub domain.PostStub) (*domain.Thread, error) {
	f.mu.Lock()
	f.threadCalls[stub.Post.ID]++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.threadErrs[stub.Post.ID]; err != nil {
		return nil, err
	}
	return fakeThread(stub.Post.ID), nil
}

func (f *fakeSource) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threadCalls[id]
}

func fakeStub(id string) domain.PostStub {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.PostStub{
		Post: domain.Post{
			ID:           id,
			Subreddit:    "tech",
			Title:        "post " + id,
			Author:       "alice",
			Permalink:    "/r/tech/comments/" + id + "/",
			Score:        10,
			CommentCount: 2,
			CreatedAt:    now,
			FetchedAt:    now,
		},
		CommentsURL: "fake://" + id,
	}
}

func fakeThread(postID string) *domain.Thread {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	root := postID + "_c0"
	return &domain.Thread{
		Comments: []domain.Comment{
			{ID: root, PostID: postID, Author: "bob", Body: "top", Score: 2, CreatedAt: now, Depth: 0},
			{ID: postID + "_c1", PostID: postID, ParentID: root, Author: "carol", Body: "reply", Score: 1, CreatedAt: now, Depth: 1},
		},
	}
}

func page(next domain.Cursor, ids ...string) *domain.ListingPage {
	p := &domain.ListingPage{Next: next}
	for _, id := range ids {
		p.Stubs = append(p.Stubs, fakeStub(id))
	}
	return p
}

func TestRunMockSourceEndToEnd(t *testing.T) {
	src := &source.MockSource{Pages: 3, PerPage: 8}
	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())

	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeCompleted, summary.Outcome)
	assert.Equal(t, 3, summary.Pages)
	assert.Equal(t, 24, summary.PostsWritten)
	assert.Equal(t, 72, summary.CommentsWritten)
	assert.Zero(t, summary.ItemsSkipped)

	ids, err := store.SeenIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 96)

	// The exhausted listing resets the checkpoint to the front.
	cursor, err := store.LoadCursor(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor(""), cursor)
}

func TestRunIdempotentAcrossRuns(t *testing.T) {
	src := &source.MockSource{Pages: 2, PerPage: 5}
	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())

	first, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, 10, first.PostsWritten)

	// Identical content the second time around: everything dedups.
	second, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, second.Outcome)
	assert.Zero(t, second.PostsWritten)
	assert.Zero(t, second.CommentsWritten)

	ids, err := store.SeenIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 40)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("p2", "t3_a", "t3_b")
	src.pages["p2"] = page("p3", "t3_c")
	src.pages["p3"] = page("", "t3_d")

	store := storage.NewMemory()
	require.NoError(t, store.SaveCursor(context.Background(), "tech", "p2"))

	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	// Page one was checkpointed by a previous run and is never re-fetched.
	assert.Equal(t, []domain.Cursor{"p2", "p3"}, src.cursorsSeen)
	assert.Equal(t, 2, summary.PostsWritten)

	posts, _ := store.Snapshot()
	assert.NotContains(t, posts, "t3_a")
	assert.Contains(t, posts, "t3_c")
	assert.Contains(t, posts, "t3_d")
}

func TestRunCancelledMidRun(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("p2", "t3_a", "t3_b")
	src.pages["p2"] = page("", "t3_c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onListing = func(cursor domain.Cursor) {
		if cursor == "p2" {
			cancel()
		}
	}

	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(ctx, "tech")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeCancelled, summary.Outcome)
	assert.Equal(t, 2, summary.PostsWritten)

	// Page one finished before the cancel, so its checkpoint survives.
	cursor, err := store.LoadCursor(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor("p2"), cursor)
}

func TestRunPartialFailureIsolation(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("", "t3_a", "t3_b", "t3_c", "t3_d", "t3_e")
	src.threadErrs["t3_b"] = &domain.FetchError{Kind: domain.FetchTransient, URL: "fake://t3_b", StatusCode: 502}
	src.threadErrs["t3_c"] = &domain.FetchError{Kind: domain.FetchNotFound, URL: "fake://t3_c", StatusCode: 404}

	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeCompleted, summary.Outcome)
	assert.Equal(t, 4, summary.PostsWritten)
	assert.Equal(t, 6, summary.CommentsWritten)
	assert.Equal(t, 1, summary.ItemsSkipped)
	assert.Equal(t, 1, summary.ErrorCounts["fetch_transient"])
	assert.Equal(t, 1, summary.ErrorCounts["fetch_not_found"])

	posts, comments := store.Snapshot()
	assert.NotContains(t, posts, "t3_b", "the failed item must not poison its siblings")
	assert.Contains(t, posts, "t3_c", "a vanished thread still keeps its listing record")
	for _, c := range comments {
		assert.NotEqual(t, "t3_c", c.PostID)
	}
}

func TestRunStructuralListingFailureFatal(t *testing.T) {
	src := newFakeSource()
	src.listingErrs[""] = &domain.ParseError{Structural: true, Reason: "listing container missing"}

	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")

	require.Error(t, err)
	assert.Equal(t, domain.OutcomeFatal, summary.Outcome)
	assert.Equal(t, 1, summary.ErrorCounts["parse_structural"])
	assert.Zero(t, summary.PostsWritten)

	ids, serr := store.SeenIDs(context.Background())
	require.NoError(t, serr)
	assert.Empty(t, ids, "a structurally broken page must produce no writes")
}

func TestRunStructuralThreadFailureFatal(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("", "t3_a", "t3_b")
	src.threadErrs["t3_a"] = &domain.ParseError{Structural: true, Reason: "comment area missing"}

	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")

	require.Error(t, err)
	var pe *domain.ParseError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.OutcomeFatal, summary.Outcome)

	// The cursor never moves past an aborted page.
	cursor, cerr := store.LoadCursor(context.Background(), "tech")
	require.NoError(t, cerr)
	assert.Equal(t, domain.Cursor(""), cursor)
}

// mismatchedSource returns comments that belong to a different post,
// which the sink's referential checks must reject.
type mismatchedSource struct {
	*fakeSource
}

func (m *mismatchedSource) FetchThread(ctx context.Context, stub domain.PostStub) (*domain.Thread, error) {
	return fakeThread("t3_someone_else"), nil
}

func TestRunConstraintViolationFatal(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("", "t3_a")

	store := storage.NewMemory()
	runner := NewRunner(&mismatchedSource{fakeSource: src}, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")

	require.Error(t, err)
	var se *domain.SinkError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Constraint)
	assert.Equal(t, domain.OutcomeFatal, summary.Outcome)
	assert.Zero(t, summary.PostsWritten)

	ids, serr := store.SeenIDs(context.Background())
	require.NoError(t, serr)
	assert.Empty(t, ids)
}

func TestRunCoalescesDuplicateStubs(t *testing.T) {
	src := newFakeSource()
	// t3_a appears twice on page one and again on page two: once in flight
	// or persisted, later sightings are dropped.
	p1 := page("p2", "t3_a", "t3_b")
	p1.Stubs = append(p1.Stubs, fakeStub("t3_a"))
	src.pages[""] = p1
	src.pages["p2"] = page("", "t3_a", "t3_c")

	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.PostsWritten)
	assert.Equal(t, 1, src.calls("t3_a"))
	assert.Equal(t, 1, src.calls("t3_b"))
	assert.Equal(t, 1, src.calls("t3_c"))
}

func TestRunSeedsDedupFromStore(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("", "t3_a", "t3_b")

	store := storage.NewMemory()
	old := fakeStub("t3_a")
	require.NoError(t, store.SaveBatch(context.Background(), old.Post, nil))

	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.PostsWritten)
	assert.Zero(t, src.calls("t3_a"), "persisted items never re-fetch their thread")
}

func TestRunMaxPostsBound(t *testing.T) {
	src := &source.MockSource{Pages: 5, PerPage: 8}
	store := storage.NewMemory()
	cfg := config.CrawlConfig{Workers: 1, MaxPages: 20, MaxPosts: 3}
	runner := NewRunner(src, store, cfg, quietLogger())

	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeCompleted, summary.Outcome)
	// The bound is checked before dispatch, so in-flight work may overshoot
	// by at most the worker count.
	assert.GreaterOrEqual(t, summary.PostsWritten, 3)
	assert.LessOrEqual(t, summary.PostsWritten, 3+cfg.Workers)

	// The page was left partially processed, so it does not count and its
	// checkpoint stays put.
	assert.Zero(t, summary.Pages)
	cursor, err := store.LoadCursor(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor(""), cursor)
}

// A capped run must not checkpoint past stubs it never dispatched;
// repeated capped runs re-fetch the partial page until every post on it
// is persisted, then move on.
func TestRunMaxPostsCapNeverSkipsPosts(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("p2", "t3_a", "t3_b", "t3_c")
	src.pages["p2"] = page("", "t3_d")

	store := storage.NewMemory()
	cfg := config.CrawlConfig{Workers: 1, MaxPages: 20, MaxPosts: 1}
	runner := NewRunner(src, store, cfg, quietLogger())

	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.PostsWritten, 1)

	cursor, err := store.LoadCursor(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor(""), cursor, "a partially processed page must not be checkpointed")

	for i := 0; i < 6; i++ {
		posts, _ := store.Snapshot()
		if len(posts) == 4 {
			break
		}
		_, err := runner.Run(context.Background(), "tech")
		require.NoError(t, err)
	}

	posts, _ := store.Snapshot()
	assert.Contains(t, posts, "t3_a")
	assert.Contains(t, posts, "t3_b")
	assert.Contains(t, posts, "t3_c")
	assert.Contains(t, posts, "t3_d")
}

func TestRunMaxPagesBound(t *testing.T) {
	src := &source.MockSource{Pages: 5, PerPage: 4}
	store := storage.NewMemory()
	cfg := config.CrawlConfig{Workers: 4, MaxPages: 2}
	runner := NewRunner(src, store, cfg, quietLogger())

	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Pages)
	assert.Equal(t, 8, summary.PostsWritten)

	// The next run must pick up where this one stopped.
	cursor, err := store.LoadCursor(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor("page:3"), cursor)
}

func TestRunStallsWhenFirstListingUnreachable(t *testing.T) {
	src := newFakeSource()
	src.listingErrs[""] = &domain.FetchError{Kind: domain.FetchTransient, URL: "fake://listing", StatusCode: 503}

	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	// Not fatal, but not a normal exhaustion either.
	assert.Equal(t, domain.OutcomeStalled, summary.Outcome)
	assert.Zero(t, summary.PostsWritten)
	assert.Equal(t, 1, summary.ErrorCounts["fetch_transient"])
}

func TestRunStallsMidRunKeepsCheckpoint(t *testing.T) {
	src := newFakeSource()
	src.pages[""] = page("p2", "t3_a", "t3_b")
	src.listingErrs["p2"] = &domain.FetchError{Kind: domain.FetchTransient, URL: "fake://p2", StatusCode: 502}

	store := storage.NewMemory()
	runner := NewRunner(src, store, testCrawlConfig(), quietLogger())
	summary, err := runner.Run(context.Background(), "tech")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeStalled, summary.Outcome)
	assert.Equal(t, 2, summary.PostsWritten)

	// The failed page is retried next run from the same checkpoint.
	cursor, err := store.LoadCursor(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.Cursor("p2"), cursor)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
		kind  string
	}{
		{&domain.ParseError{Structural: true}, true, "parse_structural"},
		{&domain.FetchError{Kind: domain.FetchFatal}, true, "fetch_fatal"},
		{&domain.FetchError{Kind: domain.FetchNotFound}, false, "fetch_not_found"},
		{&domain.FetchError{Kind: domain.FetchTransient}, false, "fetch_transient"},
		{&domain.SinkError{Constraint: true}, true, "sink_constraint"},
		{&domain.SinkError{}, false, "sink_transient"},
		{errors.New("anything else"), false, "other"},
	}
	for _, tc := range cases {
		fatal, kind := classify(tc.err)
		assert.Equal(t, tc.fatal, fatal, "error %v", tc.err)
		assert.Equal(t, tc.kind, kind, "error %v", tc.err)
	}
}

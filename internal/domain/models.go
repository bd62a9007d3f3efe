package domain

import (
	"context"
	"time"
)

// Cursor is an opaque pagination token. The HTML source stores the absolute
// URL of the next listing page in it; the API source stores the fullname
// "after" token. An empty cursor means "start of the listing".
type Cursor string

// Post is the clean data structure for storage.
type Post struct {
	ID           string    `json:"id"`
	Subreddit    string    `json:"subreddit"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	URL          string    `json:"url"`
	Permalink    string    `json:"permalink"`
	Body         string    `json:"body,omitempty"`
	Score        int       `json:"score"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Comment is one node of a post's comment forest, stored flat with explicit
// id/parent_id references. ParentID is empty for top-level comments.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	Depth     int       `json:"depth"`
}

// PostStub is what a listing page yields per post: the summary record plus
// the detail-page target for the comment fetch.
type PostStub struct {
	Post        Post
	CommentsURL string
}

// ListingPage is the parsed result of one listing page.
type ListingPage struct {
	Stubs []PostStub
	// Next is empty when this was the last page.
	Next Cursor
	// Skipped counts post blocks that failed to parse individually.
	Skipped int
}

// Thread is the parsed comment forest of one detail page.
type Thread struct {
	Comments []Comment
	// Skipped counts comment nodes that failed to parse individually.
	Skipped int
	// Reattached counts descendants that lost their parent to a parse skip
	// and were attached to the nearest parseable ancestor instead.
	Reattached int
	// Truncated reports a "load more" continuation that was not followed.
	Truncated bool
}

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFatal     Outcome = "fatal"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeStalled means a listing page stayed unreachable after the
	// retry budget. Data written so far is durable and the checkpoint still
	// points at the failed page, so the next run retries it.
	OutcomeStalled Outcome = "stalled"
)

// RunSummary is the terminal report of one crawl run. It is produced even
// when the run ends early.
type RunSummary struct {
	Target           string         `json:"target"`
	Pages            int            `json:"pages"`
	PostsWritten     int            `json:"posts_written"`
	CommentsWritten  int            `json:"comments_written"`
	ItemsSkipped     int            `json:"items_skipped"`
	BlocksSkipped    int            `json:"blocks_skipped"`
	Reattached       int            `json:"reattached"`
	TruncatedThreads int            `json:"truncated_threads"`
	ErrorCounts      map[string]int `json:"error_counts,omitempty"`
	Outcome          Outcome        `json:"outcome"`
	FatalErr         error          `json:"-"`
	Elapsed          time.Duration  `json:"elapsed"`
}

// Source defines the interface for listing and detail-page fetching.
// Implementations must be safe for concurrent FetchThread calls.
type Source interface {
	FetchListing(ctx context.Context, target string, cursor Cursor) (*ListingPage, error)
	FetchThread(ctx context.Context, stub PostStub) (*Thread, error)
}

// Store is the transactional sink and the final arbiter of "already
// present". SaveBatch applies one post and its currently-known comments as
// idempotent upserts inside a single transaction. SaveCursor checkpoints
// pagination progress and must only be called after the corresponding
// page's batches are durable.
type Store interface {
	SeenIDs(ctx context.Context) (map[string]struct{}, error)
	LoadCursor(ctx context.Context, target string) (Cursor, error)
	SaveCursor(ctx context.Context, target string, cursor Cursor) error
	SaveBatch(ctx context.Context, post Post, comments []Comment) error
	Close() error
}

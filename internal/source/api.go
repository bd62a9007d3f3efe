package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loganintech/go-reddit/v2/reddit"
	"golang.org/x/time/rate"

	"github.com/qepting91/reddit-harvester/internal/config"
	"github.com/qepting91/reddit-harvester/internal/domain"
	"github.com/qepting91/reddit-harvester/internal/parser"
)

const apiPageSize = 100

// APISource uses the authenticated API instead of listing markup. Its
// cursor is the fullname "after" token the listing endpoint returns.
type APISource struct {
	client  *reddit.Client
	limiter *rate.Limiter
}

// NewAPI builds the authenticated client. A user agent is required by the
// API rules.
func NewAPI(cfg config.SourceConfig, interval time.Duration) (*APISource, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("USER_AGENT is required for api mode")
	}
	creds := reddit.Credentials{ID: cfg.ClientID, Secret: cfg.ClientSecret, Username: cfg.Username, Password: cfg.Password}
	client, err := reddit.NewClient(creds, reddit.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &APISource{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

func (s *APISource) FetchListing(ctx context.Context, target string, cursor domain.Cursor) (*domain.ListingPage, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	posts, resp, err := s.client.Subreddit.NewPosts(ctx, target, &reddit.ListOptions{
		Limit: apiPageSize,
		After: string(cursor),
	})
	if err != nil {
		return nil, apiErr("r/"+target, resp, err)
	}

	page := &domain.ListingPage{}
	now := time.Now().UTC()
	for _, p := range posts {
		post := domain.Post{
			ID:           p.FullID,
			Subreddit:    strings.TrimPrefix(p.SubredditNamePrefixed, "r/"),
			Title:        p.Title,
			Author:       p.Author,
			URL:          p.URL,
			Permalink:    p.Permalink,
			Body:         p.Body,
			Score:        p.Score,
			CommentCount: p.NumberOfComments,
			CreatedAt:    p.Created.Time.UTC(),
			FetchedAt:    now,
		}
		page.Stubs = append(page.Stubs, domain.PostStub{Post: post, CommentsURL: p.Permalink})
	}
	if resp != nil && resp.After != "" && len(page.Stubs) > 0 {
		page.Next = domain.Cursor(resp.After)
	}
	return page, nil
}

func (s *APISource) FetchThread(ctx context.Context, stub domain.PostStub) (*domain.Thread, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	id := strings.TrimPrefix(stub.Post.ID, "t3_")
	pc, resp, err := s.client.Post.Get(ctx, id)
	if err != nil {
		return nil, apiErr(stub.Post.ID, resp, err)
	}

	thread := &domain.Thread{Truncated: pc.HasMore()}

	// Flatten the reply forest parent-first without recursing.
	type frame struct {
		c        *reddit.Comment
		parentID string
		depth    int
	}
	var stack []frame
	for i := len(pc.Comments) - 1; i >= 0; i-- {
		stack = append(stack, frame{c: pc.Comments[i]})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c := f.c

		author := c.Author
		body := c.Body
		if author == "" || author == parser.DeletedSentinel {
			author = parser.DeletedSentinel
			if body == "" || body == "[removed]" {
				body = parser.DeletedSentinel
			}
		}

		var created time.Time
		if c.Created != nil {
			created = c.Created.Time.UTC()
		}
		thread.Comments = append(thread.Comments, domain.Comment{
			ID:        c.FullID,
			PostID:    stub.Post.ID,
			ParentID:  f.parentID,
			Author:    author,
			Body:      body,
			Score:     c.Score,
			CreatedAt: created,
			Depth:     f.depth,
		})
		for i := len(c.Replies.Comments) - 1; i >= 0; i-- {
			stack = append(stack, frame{c: c.Replies.Comments[i], parentID: c.FullID, depth: f.depth + 1})
		}
	}
	return thread, nil
}

// apiErr maps API call failures onto the fetch taxonomy using the response
// status when available.
func apiErr(target string, resp *reddit.Response, err error) error {
	fe := &domain.FetchError{Kind: domain.FetchTransient, URL: "api:" + target, Err: err}
	if resp != nil && resp.Response != nil {
		fe.StatusCode = resp.StatusCode
		switch {
		case resp.StatusCode == 429:
			fe.Kind = domain.FetchRateLimited
		case resp.StatusCode == 404 || resp.StatusCode == 410:
			fe.Kind = domain.FetchNotFound
		case resp.StatusCode >= 500:
			fe.Kind = domain.FetchTransient
		case resp.StatusCode >= 400:
			fe.Kind = domain.FetchFatal
		}
	}
	return fe
}

package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/qepting91/reddit-harvester/internal/domain"
	"github.com/qepting91/reddit-harvester/internal/fetcher"
	"github.com/qepting91/reddit-harvester/internal/parser"
)

// HTMLSource scrapes the public listing markup. The cursor it mints is the
// absolute URL of the next listing page, exactly as the pagination control
// reports it.
type HTMLSource struct {
	fetcher *fetcher.Fetcher
	base    *url.URL
}

// NewHTML creates an HTML source rooted at the listing host.
func NewHTML(f *fetcher.Fetcher, baseURL string) (*HTMLSource, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid listing base URL %q", baseURL)
	}
	return &HTMLSource{fetcher: f, base: base}, nil
}

func (s *HTMLSource) FetchListing(ctx context.Context, target string, cursor domain.Cursor) (*domain.ListingPage, error) {
	pageURL := string(cursor)
	if pageURL == "" {
		pageURL = fmt.Sprintf("%s/r/%s/", s.base.String(), target)
	}
	body, err := s.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	page, err := parser.ParseListing(bytes.NewReader(body), target)
	if err != nil {
		return nil, err
	}
	for i := range page.Stubs {
		page.Stubs[i].CommentsURL = s.resolve(page.Stubs[i].CommentsURL)
	}
	if page.Next != "" {
		page.Next = domain.Cursor(s.resolve(string(page.Next)))
	}
	return page, nil
}

func (s *HTMLSource) FetchThread(ctx context.Context, stub domain.PostStub) (*domain.Thread, error) {
	body, err := s.fetcher.Get(ctx, stub.CommentsURL)
	if err != nil {
		return nil, err
	}
	return parser.ParseComments(bytes.NewReader(body), stub.Post.ID)
}

// resolve makes relative permalinks absolute against the listing host.
func (s *HTMLSource) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return s.base.ResolveReference(u).String()
}

// Package parser extracts structured records from listing and detail
// markup. Parsers are pure: markup in, records out, no shared state. All
// "field may be missing or renamed" handling lives here so layout drift is
// contained to one place per page kind.
package parser

import (
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

// ParseListing extracts post stubs and the next-page cursor from a listing
// page. Individual malformed post blocks are skipped and counted; only a
// missing listing container fails the page, since that signals a source
// layout change rather than a bad entry.
func ParseListing(r io.Reader, subreddit string) (*domain.ListingPage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, &domain.ParseError{Structural: true, Reason: "unreadable document: " + err.Error()}
	}

	container := doc.Find("div#siteTable")
	if container.Length() == 0 {
		return nil, &domain.ParseError{Structural: true, Reason: "listing container #siteTable not found"}
	}

	page := &domain.ListingPage{}
	now := time.Now().UTC()

	container.Find("div.thing").Each(func(_ int, sel *goquery.Selection) {
		if sel.HasClass("promotedlink") || sel.AttrOr("data-promoted", "") == "true" {
			return
		}

		id := sel.AttrOr("data-fullname", sel.AttrOr("data-name", ""))
		titleTag := sel.Find("a.title").First()
		if id == "" || titleTag.Length() == 0 {
			page.Skipped++
			return
		}

		commentsTag := sel.Find("a.comments").First()
		permalink := commentsTag.AttrOr("href", "")
		if permalink == "" {
			// Without a detail target the stub cannot be fetched.
			page.Skipped++
			return
		}

		score, _ := parseScore(sel.Find("div.score.unvoted, span.score").First().Text())

		post := domain.Post{
			ID:           id,
			Subreddit:    subreddit,
			Title:        strings.TrimSpace(titleTag.Text()),
			Author:       sel.AttrOr("data-author", DeletedSentinel),
			URL:          titleTag.AttrOr("href", ""),
			Permalink:    permalink,
			Score:        score,
			CommentCount: parseCount(commentsTag.Text()),
			CreatedAt:    parseTimestamp(sel.Find("time").First().AttrOr("datetime", "")),
			FetchedAt:    now,
		}

		page.Stubs = append(page.Stubs, domain.PostStub{Post: post, CommentsURL: permalink})
	})

	// A page that yields no stubs ends pagination even when a next control
	// is present; advancing on empty pages could loop forever.
	if len(page.Stubs) == 0 {
		return page, nil
	}
	if next := doc.Find("span.next-button a").First().AttrOr("href", ""); next != "" {
		page.Next = domain.Cursor(next)
	}
	return page, nil
}

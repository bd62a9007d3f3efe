package parser

import (
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

type commentFrame struct {
	sel      *goquery.Selection
	parentID string
	depth    int
	orphaned bool
}

// ParseComments reconstructs the comment forest of a detail page as a flat
// sequence with explicit id/parent_id references, parents always preceding
// their children. Depth is the distance from the nearest top-level
// ancestor. Deleted comments are kept with sentinel author/body so their
// descendants stay attached; unparsable nodes are skipped and their
// children reattached to the nearest parseable ancestor.
func ParseComments(r io.Reader, postID string) (*domain.Thread, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, &domain.ParseError{Structural: true, Reason: "unreadable document: " + err.Error()}
	}

	area := doc.Find("div.commentarea")
	if area.Length() == 0 {
		return nil, &domain.ParseError{Structural: true, Reason: "comment container .commentarea not found"}
	}

	thread := &domain.Thread{
		Truncated: area.Find("span.morecomments").Length() > 0,
	}
	now := time.Now().UTC()

	// Iterative preorder walk; the forest can be deep and recursion depth
	// would track markup nesting.
	var stack []commentFrame
	pushChildren := func(sel *goquery.Selection, parentID string, depth int, orphaned bool) {
		kids := sel.ChildrenFiltered("div.child").
			ChildrenFiltered("div.sitetable").
			ChildrenFiltered("div.thing")
		nodes := kids.Nodes
		for i := len(nodes) - 1; i >= 0; i-- {
			one := kids.Eq(i)
			if !one.HasClass("comment") {
				continue
			}
			stack = append(stack, commentFrame{sel: one, parentID: parentID, depth: depth, orphaned: orphaned})
		}
	}

	top := area.ChildrenFiltered("div.sitetable").ChildrenFiltered("div.thing")
	topNodes := top.Nodes
	for i := len(topNodes) - 1; i >= 0; i-- {
		one := top.Eq(i)
		if !one.HasClass("comment") {
			continue
		}
		stack = append(stack, commentFrame{sel: one, parentID: "", depth: 0})
	}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sel := frame.sel

		id := sel.AttrOr("data-fullname", "")
		if id == "" {
			// Unparsable node: drop it, hand its children to this node's
			// parent (or promote to top level) and record the repair.
			thread.Skipped++
			pushChildren(sel, frame.parentID, frame.depth, true)
			continue
		}
		if frame.orphaned {
			thread.Reattached++
		}

		entry := sel.ChildrenFiltered("div.entry")
		author := sel.AttrOr("data-author", "")
		body := strings.TrimSpace(entry.Find("div.usertext-body div.md").First().Text())
		if sel.HasClass("deleted") || author == "" {
			author = DeletedSentinel
			if body == "" || body == "[removed]" {
				body = DeletedSentinel
			}
		}

		created := parseTimestamp(entry.Find("time").First().AttrOr("datetime", ""))
		if created.IsZero() {
			created = now
		}

		thread.Comments = append(thread.Comments, domain.Comment{
			ID:        id,
			PostID:    postID,
			ParentID:  frame.parentID,
			Author:    author,
			Body:      body,
			Score:     parseCount(entry.Find("span.score").First().Text()),
			CreatedAt: created,
			Depth:     frame.depth,
		})
		pushChildren(sel, id, frame.depth+1, false)
	}

	return thread, nil
}

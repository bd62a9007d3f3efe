// Package pipeline coordinates Source -> dedup -> Store for one crawl
// run: listing pages are walked in cursor order, surviving stubs fan out
// across a bounded worker pool for detail fetches, and each post commits
// with its comments in a single sink transaction before the page's cursor
// is checkpointed.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/qepting91/reddit-harvester/internal/config"
	"github.com/qepting91/reddit-harvester/internal/domain"
	"github.com/qepting91/reddit-harvester/internal/state"
)

const sinkWriteAttempts = 3

// Runner executes crawl runs against one source/store pair.
type Runner struct {
	source domain.Source
	store  domain.Store
	cfg    config.CrawlConfig
	log    *slog.Logger
}

// NewRunner wires a runner. The logger may be nil.
func NewRunner(src domain.Source, store domain.Store, cfg config.CrawlConfig, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{source: src, store: store, cfg: cfg, log: log}
}

// run carries the mutable state of one crawl run. It is created per Run
// call so multiple targets can crawl concurrently against the same store.
type run struct {
	*Runner
	target  string
	tracker *state.Tracker
	sem     *semaphore.Weighted
	cancel  context.CancelFunc

	mu       sync.Mutex
	summary  *domain.RunSummary
	claimed  map[string]struct{}
	fatalErr error
	stalled  bool
}

// Run executes one crawl for a target and always returns a terminal
// summary, regardless of how the run ended.
func (r *Runner) Run(ctx context.Context, target string) (*domain.RunSummary, error) {
	started := time.Now()
	summary := &domain.RunSummary{
		Target:      target,
		ErrorCounts: make(map[string]int),
		Outcome:     domain.OutcomeCompleted,
	}

	seen, err := r.store.SeenIDs(ctx)
	if err != nil {
		summary.Outcome = domain.OutcomeFatal
		summary.FatalErr = err
		summary.Elapsed = time.Since(started)
		return summary, err
	}
	cursor, err := r.store.LoadCursor(ctx, target)
	if err != nil {
		summary.Outcome = domain.OutcomeFatal
		summary.FatalErr = err
		summary.Elapsed = time.Since(started)
		return summary, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rn := &run{
		Runner:  r,
		target:  target,
		tracker: state.NewTracker(seen),
		sem:     semaphore.NewWeighted(int64(r.cfg.Workers)),
		cancel:  cancel,
		summary: summary,
		claimed: make(map[string]struct{}),
	}
	rn.tracker.Advance(target, cursor)

	rn.loop(runCtx)

	summary.Elapsed = time.Since(started)
	switch {
	case rn.fatal() != nil:
		summary.Outcome = domain.OutcomeFatal
		summary.FatalErr = rn.fatal()
		return summary, rn.fatal()
	case ctx.Err() != nil:
		summary.Outcome = domain.OutcomeCancelled
		return summary, nil
	case rn.isStalled():
		summary.Outcome = domain.OutcomeStalled
		return summary, nil
	default:
		summary.Outcome = domain.OutcomeCompleted
		return summary, nil
	}
}

func (rn *run) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil || rn.fatal() != nil {
			return
		}
		if rn.cfg.MaxPages > 0 && rn.pages() >= rn.cfg.MaxPages {
			return
		}
		if rn.cfg.MaxPosts > 0 && rn.postsWritten() >= rn.cfg.MaxPosts {
			return
		}

		cursor := rn.tracker.Cursor(rn.target)
		page, err := rn.source.FetchListing(ctx, rn.target, cursor)
		if err != nil {
			rn.onListingError(ctx, err)
			return
		}

		rn.log.Info("listing page fetched",
			"target", rn.target, "stubs", len(page.Stubs), "skipped_blocks", page.Skipped)
		rn.addBlocksSkipped(page.Skipped)

		// Stubs are dispatched in extracted order so dedup decisions are
		// deterministic; completion order across workers is not.
		capped := false
		var wg sync.WaitGroup
		for _, stub := range page.Stubs {
			if ctx.Err() != nil || rn.fatal() != nil {
				break
			}
			if rn.cfg.MaxPosts > 0 && rn.postsWritten() >= rn.cfg.MaxPosts {
				capped = true
				break
			}
			if !rn.claim(stub.Post.ID) {
				continue
			}
			if err := rn.sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(stub domain.PostStub) {
				defer wg.Done()
				defer rn.sem.Release(1)
				rn.processStub(ctx, stub)
			}(stub)
		}
		wg.Wait()

		if ctx.Err() != nil || rn.fatal() != nil {
			return
		}
		// A cap that trips mid-page leaves stubs undispatched; the page is
		// not done and its checkpoint must not move. The next run re-fetches
		// the page and the idempotent upserts absorb the overlap.
		if capped {
			return
		}

		// The page's batches are durable; only now may the cursor move.
		// An empty next cursor resets the target to the front of the
		// listing so the following run picks up fresh posts.
		if err := rn.store.SaveCursor(ctx, rn.target, page.Next); err != nil {
			rn.addError("sink_cursor")
			rn.log.Error("cursor checkpoint failed", "target", rn.target, "err", err)
			return
		}
		rn.tracker.Advance(rn.target, page.Next)
		rn.addPage()

		if page.Next == "" {
			return
		}
	}
}

// claim reserves a stub id for this run. It returns false when the id is
// already persisted or already in flight, coalescing duplicate discovery.
func (rn *run) claim(id string) bool {
	if !rn.tracker.IsNew(id) {
		return false
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if _, ok := rn.claimed[id]; ok {
		return false
	}
	rn.claimed[id] = struct{}{}
	return true
}

func (rn *run) processStub(ctx context.Context, stub domain.PostStub) {
	thread := &domain.Thread{}
	if stub.Post.CommentCount > 0 {
		t, err := rn.source.FetchThread(ctx, stub)
		switch {
		case err == nil:
			thread = t
		case ctx.Err() != nil:
			return
		default:
			if fatal, kind := classify(err); fatal {
				rn.setFatal(err)
				return
			} else if kind == "fetch_not_found" {
				// Thread gone but the listing entry was valid: keep the
				// post, give up on its comments.
				rn.addError(kind)
			} else {
				rn.addError(kind)
				rn.addItemSkipped()
				rn.log.Warn("detail fetch failed, item skipped",
					"post", stub.Post.ID, "err", err)
				return
			}
		}
	}

	if err := rn.saveWithRetry(ctx, stub.Post, thread.Comments); err != nil {
		var se *domain.SinkError
		if errors.As(err, &se) && se.Constraint {
			rn.setFatal(err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		rn.addError("sink_transient")
		rn.addItemSkipped()
		rn.log.Warn("batch write failed, item skipped", "post", stub.Post.ID, "err", err)
		return
	}

	ids := make([]string, 0, len(thread.Comments)+1)
	ids = append(ids, stub.Post.ID)
	for _, c := range thread.Comments {
		ids = append(ids, c.ID)
	}
	rn.tracker.MarkSeen(ids...)
	rn.recordWrite(len(thread.Comments), thread)
}

// saveWithRetry retries transient sink failures a few times; constraint
// violations surface immediately.
func (rn *run) saveWithRetry(ctx context.Context, post domain.Post, comments []domain.Comment) error {
	backoff := retry.NewExponential(200 * time.Millisecond)
	backoff = retry.WithMaxRetries(sinkWriteAttempts-1, backoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := rn.store.SaveBatch(ctx, post, comments)
		if err == nil {
			return nil
		}
		var se *domain.SinkError
		if errors.As(err, &se) && !se.Constraint {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (rn *run) onListingError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	fatal, kind := classify(err)
	rn.addError(kind)
	if fatal {
		rn.setFatal(err)
		rn.log.Error("listing failed fatally", "target", rn.target, "err", err)
		return
	}
	// A listing page that stays unreachable after the retry budget leaves
	// nothing to advance; the run ends with what it has, marked stalled so
	// the termination is distinguishable from a normally exhausted listing.
	rn.markStalled()
	rn.log.Warn("listing fetch failed, ending run", "target", rn.target, "err", err)
}

// classify maps an error to (fatal, counter-key). Structural parse
// failures and terminal fetch errors on required pages are fatal; a
// missing detail page is handled by the caller.
func classify(err error) (bool, string) {
	var pe *domain.ParseError
	if errors.As(err, &pe) {
		if pe.Structural {
			return true, "parse_structural"
		}
		return false, "parse_partial"
	}
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case domain.FetchFatal:
			return true, "fetch_fatal"
		case domain.FetchNotFound:
			return false, "fetch_not_found"
		case domain.FetchRateLimited:
			return false, "fetch_rate_limited"
		default:
			return false, "fetch_transient"
		}
	}
	var se *domain.SinkError
	if errors.As(err, &se) {
		if se.Constraint {
			return true, "sink_constraint"
		}
		return false, "sink_transient"
	}
	return false, "other"
}

// Summary accessors below are shared across workers and guarded by mu.

func (rn *run) setFatal(err error) {
	rn.mu.Lock()
	if rn.fatalErr == nil {
		rn.fatalErr = err
	}
	rn.mu.Unlock()
	// Stop in-flight fetches; writes already inside the store finish on
	// their own transaction.
	rn.cancel()
}

func (rn *run) fatal() error {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.fatalErr
}

func (rn *run) markStalled() {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.stalled = true
}

func (rn *run) isStalled() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.stalled
}

func (rn *run) addPage() {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.summary.Pages++
}

func (rn *run) pages() int {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.summary.Pages
}

func (rn *run) postsWritten() int {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.summary.PostsWritten
}

func (rn *run) recordWrite(comments int, thread *domain.Thread) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.summary.PostsWritten++
	rn.summary.CommentsWritten += comments
	rn.summary.BlocksSkipped += thread.Skipped
	rn.summary.Reattached += thread.Reattached
	if thread.Truncated {
		rn.summary.TruncatedThreads++
	}
}

func (rn *run) addItemSkipped() {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.summary.ItemsSkipped++
}

func (rn *run) addBlocksSkipped(n int) {
	if n == 0 {
		return
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.summary.BlocksSkipped += n
}

func (rn *run) addError(kind string) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.summary.ErrorCounts[kind]++
}

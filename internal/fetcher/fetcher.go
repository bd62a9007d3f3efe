package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/corpix/uarand"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/qepting91/reddit-harvester/internal/domain"
)

const maxBodyBytes = 10 << 20

// Options configures a Fetcher.
type Options struct {
	UserAgent string        // empty picks a random browser agent per request
	Timeout   time.Duration // per-request HTTP timeout
	Interval  time.Duration // minimum spacing between requests to one host
	Attempts  int           // total attempts per request (retry budget)
}

// Fetcher issues throttled HTTP GETs with bounded retries. The throttle is
// a single token bucket per host, shared across all callers.
type Fetcher struct {
	client    *http.Client
	userAgent string
	interval  time.Duration
	attempts  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Fetcher. Zero option fields fall back to safe defaults.
func New(opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: opts.UserAgent,
		interval:  interval,
		attempts:  attempts,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// limiter returns the shared token bucket for a host.
func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(f.interval), 1)
		f.limiters[host] = l
	}
	return l
}

// Get fetches a URL and returns the response body. Transient failures
// (timeouts, 5xx, connection resets) and rate limiting are retried with
// exponential backoff up to the attempt budget; 404 and auth failures
// surface immediately as terminal FetchErrors.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &domain.FetchError{Kind: domain.FetchFatal, URL: rawURL, Err: errors.New("malformed URL")}
	}
	lim := f.limiter(u.Host)

	backoff := retry.NewExponential(500 * time.Millisecond)
	backoff = retry.WithJitter(100*time.Millisecond, backoff)
	backoff = retry.WithCappedDuration(30*time.Second, backoff)
	backoff = retry.WithMaxRetries(uint64(f.attempts-1), backoff)

	var body []byte
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		b, ferr := f.getOnce(ctx, rawURL)
		if ferr == nil {
			body = b
			return nil
		}
		var fe *domain.FetchError
		if errors.As(ferr, &fe) && fe.Retryable() {
			return retry.RetryableError(ferr)
		}
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) getOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &domain.FetchError{Kind: domain.FetchFatal, URL: rawURL, Err: err}
	}
	ua := f.userAgent
	if ua == "" {
		ua = uarand.GetRandom()
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Timeouts, resets and other transport errors are transient.
		return nil, &domain.FetchError{Kind: domain.FetchTransient, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, &domain.FetchError{Kind: domain.FetchTransient, URL: rawURL, Err: err}
		}
		return b, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		// Honor the server's hint before reporting the attempt as failed;
		// the surrounding backoff still applies on top.
		if wait := retryAfter(resp); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}
		return nil, &domain.FetchError{Kind: domain.FetchRateLimited, URL: rawURL, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &domain.FetchError{Kind: domain.FetchNotFound, URL: rawURL, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, &domain.FetchError{Kind: domain.FetchTransient, URL: rawURL, StatusCode: resp.StatusCode}
	default:
		// 400/401/403 and everything else: the request will never succeed.
		return nil, &domain.FetchError{Kind: domain.FetchFatal, URL: rawURL, StatusCode: resp.StatusCode}
	}
}

// retryAfter parses a Retry-After header, either delay-seconds or an HTTP
// date. The wait is capped at one minute.
func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	var wait time.Duration
	if secs, err := time.ParseDuration(raw + "s"); err == nil {
		wait = secs
	} else if t, err := http.ParseTime(raw); err == nil {
		wait = time.Until(t)
	}
	if wait < 0 {
		wait = 0
	}
	if wait > time.Minute {
		wait = time.Minute
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/tracing"
)

// Shared HTTP client with timeout and connection reuse.
var Default = &http.Client{
	Timeout: 25 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

const (
	DefaultRetries        = 4
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 12 * time.Second
)

// TransportError is returned once a request has failed for good: either a
// non-retryable status or an exhausted retry budget.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Fetcher issues GETs against SEC hosts with the caller's identity string,
// a minimum spacing between requests, and exponential backoff on
// rate-limit and server errors. It is not meant for concurrent use.
type Fetcher struct {
	client         *http.Client
	userAgent      string
	retries        uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	limiter        *rate.Limiter
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithBackoff(initial, max time.Duration) Option {
	return func(f *Fetcher) {
		f.initialBackoff = initial
		f.maxBackoff = max
	}
}

func WithRetries(n uint64) Option {
	return func(f *Fetcher) { f.retries = n }
}

// New builds a Fetcher. delay is the minimum gap between consecutive
// requests; zero disables spacing.
func New(userAgent string, delay time.Duration, opts ...Option) *Fetcher {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	f := &Fetcher{
		client:         Default,
		userAgent:      userAgent,
		retries:        DefaultRetries,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		limiter:        limiter,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body of url. Parse problems in the body are the
// caller's concern and are never retried here.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, span := tracing.Tracer().Start(ctx, "httpclient.fetch",
		trace.WithAttributes(attribute.String("http.url", url)))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialBackoff
	b.MaxInterval = f.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var body []byte
	attempts := 0
	op := func() error {
		attempts++
		var err error
		body, err = f.get(ctx, url)
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("SEC request failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		if _, ok := err.(*TransportError); !ok {
			err = &TransportError{URL: url, Err: err}
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.attempts", attempts), attribute.Int("http.bytes", len(body)))
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(&TransportError{URL: url, Err: err})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(&TransportError{URL: url, Err: err})
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json,text/plain,*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://www.sec.gov/")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(&TransportError{URL: url, Err: ctx.Err()})
		}
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	logger.Debug("SEC response", zap.String("url", url), zap.Int("status", resp.StatusCode))

	if retryableStatus(resp.StatusCode) {
		io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backoff.Permanent(&TransportError{URL: url, StatusCode: resp.StatusCode})
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	return body, nil
}

// SEC answers throttled clients with 403 as often as 429.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusForbidden ||
		(code >= 500 && code <= 599)
}

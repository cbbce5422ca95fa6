package infra

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxErrorBody caps how much of a failed response body is retained.
const maxErrorBody = 4 << 10

// RequestFunc performs one HTTP attempt. It is called once per attempt.
type RequestFunc func(ctx context.Context) (*http.Response, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

const (
	// MaxRetryAttempts is the largest accepted RetryPolicy.MaxAttempts.
	MaxRetryAttempts = 30

	// DefaultMaxDelay caps a single backoff before jitter.
	DefaultMaxDelay = 10 * time.Minute
)

// RetryPolicy bounds the retry loop. MaxDelay caps base*2^attempt before
// jitter is applied; zero means DefaultMaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the control plane's observed tolerance.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: DefaultMaxDelay}
}

// StatusError is a non-success HTTP response. Body holds the start of the
// response for diagnostics and is deliberately left out of Error().
type StatusError struct {
	StatusCode int
	URL        string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Permanent reports whether retrying cannot help (4xx other than 429).
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Executor runs every outbound call with retry, backoff and jitter.
// Safe for concurrent use.
type Executor struct {
	policy  RetryPolicy
	sleep   SleepFunc
	jitter  func() float64
	now     func() time.Time
	tracker *RateLimitTracker
	metrics *Metrics
	logger  *zap.Logger
}

// NewExecutor creates an executor with real sleeps and random jitter.
func NewExecutor(policy RetryPolicy, tracker *RateLimitTracker, metrics *Metrics, logger *zap.Logger) *Executor {
	return NewExecutorWithDeps(policy, tracker, metrics, SleepContext, defaultJitter, logger)
}

// NewExecutorWithDeps creates an executor with injected sleep and jitter (for tests).
func NewExecutorWithDeps(
	policy RetryPolicy,
	tracker *RateLimitTracker,
	metrics *Metrics,
	sleep SleepFunc,
	jitter func() float64,
	logger *zap.Logger,
) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultMaxDelay
	}
	return &Executor{
		policy:  policy,
		sleep:   sleep,
		jitter:  jitter,
		now:     time.Now,
		tracker: tracker,
		metrics: metrics,
		logger:  logger,
	}
}

// Do executes fn until it succeeds, fails permanently, or attempts run out.
// Responses below 400 are returned with the body unread; the caller closes it.
func (e *Executor) Do(ctx context.Context, fn RequestFunc) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		last := attempt == e.policy.MaxAttempts-1

		resp, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			e.tracker.Record(resp.Header)
			if resp.StatusCode < http.StatusBadRequest {
				return resp, nil
			}

			serr := newStatusError(resp)
			lastErr = serr
			if serr.Permanent() {
				return nil, serr
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After"), e.now()); ok {
					e.logger.Warn("rate limited, honoring Retry-After",
						zap.Duration("wait", wait),
						zap.Int("attempt", attempt+1),
						zap.Int("max_attempts", e.policy.MaxAttempts))
					if last {
						break
					}
					e.metrics.IncRetry("rate_limited")
					if err := e.sleep(ctx, wait); err != nil {
						return nil, err
					}
					continue
				}
			}
		}

		if last {
			break
		}

		wait := e.backoff(attempt)
		e.logger.Warn("request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.policy.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(lastErr))
		e.metrics.IncRetry(retryReason(lastErr))
		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", e.policy.MaxAttempts, lastErr)
}

// backoff is min(base * 2^attempt, MaxDelay) scaled by a jitter factor in
// [0.5, 1.5). The cap keeps the delay non-decreasing for any attempt count.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.policy.MaxDelay
	if attempt < 63 {
		if exp := e.policy.BaseDelay << uint(attempt); exp > 0 && exp>>uint(attempt) == e.policy.BaseDelay && exp < d {
			d = exp
		}
	}
	return time.Duration(float64(d) * e.jitter())
}

func defaultJitter() float64 {
	return 0.5 + rand.Float64()
}

// SleepContext sleeps for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	u := ""
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL.Redacted()
	}
	return &StatusError{StatusCode: resp.StatusCode, URL: u, Body: body}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func retryReason(err error) string {
	if se, ok := err.(*StatusError); ok {
		return "status_" + strconv.Itoa(se.StatusCode/100) + "xx"
	}
	return "network"
}

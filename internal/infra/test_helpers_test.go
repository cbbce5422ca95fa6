package infra

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// recordingSleeper records requested sleeps without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func fixedJitter() float64 { return 1.0 }

// newTestExecutor returns an executor that never really sleeps.
func newTestExecutor(attempts int) (*Executor, *recordingSleeper, *Metrics) {
	s := &recordingSleeper{}
	m := NewMetrics()
	logger := zap.NewNop()
	e := NewExecutorWithDeps(
		RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Second},
		NewRateLimitTracker(m, logger),
		m,
		s.Sleep,
		fixedJitter,
		logger,
	)
	return e, s, m
}

func stubResponse(code int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/x", nil)
	return &http.Response{
		StatusCode: code,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

// scripted returns a RequestFunc that replays results in order and counts calls.
type scripted struct {
	mu      sync.Mutex
	results []func() (*http.Response, error)
	calls   int
}

func (s *scripted) Do(context.Context) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]()
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func respond(code int, header http.Header) func() (*http.Response, error) {
	return func() (*http.Response, error) { return stubResponse(code, "body", header), nil }
}

func fail(err error) func() (*http.Response, error) {
	return func() (*http.Response, error) { return nil, err }
}

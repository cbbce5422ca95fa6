package infra

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"

	// lowQuotaRatio is the remaining/limit fraction below which a warning is logged.
	lowQuotaRatio = 0.20
)

// RateLimitTracker keeps the last observed rate-limit headers.
// It is advisory only and never blocks a request.
type RateLimitTracker struct {
	mu      sync.Mutex
	state   domain.RateLimitState
	hasLim  bool
	hasRem  bool
	metrics *Metrics
	logger  *zap.Logger
}

// NewRateLimitTracker creates an empty tracker.
func NewRateLimitTracker(metrics *Metrics, logger *zap.Logger) *RateLimitTracker {
	return &RateLimitTracker{metrics: metrics, logger: logger}
}

// Record updates state from response headers. Malformed values are ignored.
func (t *RateLimitTracker) Record(h http.Header) {
	if h == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := headerInt(h, headerRateLimit); ok {
		t.state.Limit = v
		t.hasLim = true
		t.state.Observed = true
	}
	if v, ok := headerInt(h, headerRateRemaining); ok {
		t.state.Remaining = v
		t.hasRem = true
		t.state.Observed = true
		t.metrics.SetRateLimitRemaining(v)
	}
	if v, ok := headerInt(h, headerRateReset); ok {
		t.state.Reset = time.Unix(int64(v), 0)
	}

	if !t.hasLim || !t.hasRem || t.state.Limit <= 0 {
		return
	}
	if float64(t.state.Remaining)/float64(t.state.Limit) < lowQuotaRatio {
		fields := []zap.Field{
			zap.Int("remaining", t.state.Remaining),
			zap.Int("limit", t.state.Limit),
		}
		if !t.state.Reset.IsZero() {
			fields = append(fields, zap.Time("reset", t.state.Reset))
		}
		t.logger.Warn("approaching rate limit", fields...)
	}
}

// Snapshot returns a copy of the current state.
func (t *RateLimitTracker) Snapshot() domain.RateLimitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

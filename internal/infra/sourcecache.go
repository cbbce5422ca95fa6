package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/validate"
)

const (
	defaultCacheTTL      = time.Hour
	defaultMaxSourceSize = 10 << 20
	defaultHTTPTimeout   = 30 * time.Second

	// UserAgent identifies this client to sources and the control plane.
	UserAgent = "Control-D-Sync/0.1.0"
)

var allowedContentTypes = map[string]bool{
	"application/json": true,
	"text/json":        true,
	"text/plain":       true,
}

// URLChecker vets a source URL before any network request is made.
type URLChecker interface {
	SourceURL(ctx context.Context, rawURL string) error
}

// SourceCacheConfig tunes the source cache.
type SourceCacheConfig struct {
	TTL       time.Duration
	MaxBytes  int64
	Timeout   time.Duration
	UserAgent string
}

// DefaultSourceCacheConfig returns the defaults used by the CLI.
func DefaultSourceCacheConfig() SourceCacheConfig {
	return SourceCacheConfig{
		TTL:       defaultCacheTTL,
		MaxBytes:  defaultMaxSourceSize,
		Timeout:   defaultHTTPTimeout,
		UserAgent: UserAgent,
	}
}

// CacheStats counts cache outcomes for one run.
type CacheStats struct {
	Hits        int `json:"hits"`
	Misses      int `json:"misses"`
	Validations int `json:"validations"`
	Errors      int `json:"errors"`
}

// SourceCache is the two-tier (memory + disk) cache of source documents.
// Only one network fetch per URL is in flight at a time.
type SourceCache struct {
	cfg      SourceCacheConfig
	client   *http.Client
	executor *Executor
	file     *CacheFile
	checker  URLChecker
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	flight singleflight.Group

	mu       sync.Mutex
	memory   map[string]*domain.RuleListDocument
	disk     map[string]domain.CacheEntry
	stats    CacheStats
	dirty    bool
	readOnly bool
}

// NewSourceCache creates a cache backed by file. A nil file keeps the
// cache memory-only. The disk tier is loaded immediately; a load error
// degrades to an empty cache.
func NewSourceCache(
	cfg SourceCacheConfig,
	executor *Executor,
	file *CacheFile,
	checker URLChecker,
	metrics *Metrics,
	logger *zap.Logger,
) *SourceCache {
	return NewSourceCacheWithClient(cfg, NewNoRedirectClient(cfg.Timeout), executor, file, checker, metrics, logger)
}

// NewSourceCacheWithClient creates a cache with a custom HTTP client (for tests).
func NewSourceCacheWithClient(
	cfg SourceCacheConfig,
	client *http.Client,
	executor *Executor,
	file *CacheFile,
	checker URLChecker,
	metrics *Metrics,
	logger *zap.Logger,
) *SourceCache {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxSourceSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = UserAgent
	}
	c := &SourceCache{
		cfg:      cfg,
		client:   client,
		executor: executor,
		file:     file,
		checker:  checker,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		memory:   make(map[string]*domain.RuleListDocument),
		disk:     make(map[string]domain.CacheEntry),
	}
	if file != nil {
		entries, err := file.Load()
		if err != nil {
			logger.Warn("failed to load disk cache, starting fresh", zap.Error(err))
			c.countError()
		}
		if entries != nil {
			c.disk = entries
		}
	}
	return c
}

// NewNoRedirectClient returns an HTTP client that never follows redirects.
func NewNoRedirectClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// SetReadOnly stops Save from writing the disk tier.
func (c *SourceCache) SetReadOnly(ro bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = ro
}

// Get returns the document for url from memory, a fresh disk entry,
// or the network.
func (c *SourceCache) Get(ctx context.Context, url string) (*domain.RuleListDocument, error) {
	if !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: source url must use https", domain.ErrDataIntegrity)
	}

	if doc, ok := c.memoryHit(url); ok {
		return doc, nil
	}

	v, err, _ := c.flight.Do(url, func() (interface{}, error) {
		return c.load(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RuleListDocument), nil
}

func (c *SourceCache) memoryHit(url string) (*domain.RuleListDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.memory[url]
	if ok {
		c.stats.Hits++
		c.metrics.IncCacheEvent("hit")
	}
	return doc, ok
}

func (c *SourceCache) load(ctx context.Context, url string) (*domain.RuleListDocument, error) {
	// another flight may have finished between the first check and this one
	c.mu.Lock()
	if doc, ok := c.memory[url]; ok {
		c.mu.Unlock()
		return doc, nil
	}
	entry, hasEntry := c.disk[url]
	c.mu.Unlock()

	if hasEntry && c.cfg.TTL > 0 && c.now().Sub(entry.LastValidated) < c.cfg.TTL {
		doc, err := decodeDocument(entry.Data)
		if err == nil {
			c.mu.Lock()
			c.stats.Hits++
			c.mu.Unlock()
			c.metrics.IncCacheEvent("hit")
			return c.remember(url, doc), nil
		}
		c.logger.Warn("discarding invalid disk cache entry", zap.String("url", url), zap.Error(err))
		c.countError()
		hasEntry = false
	}

	if c.checker != nil {
		if err := c.checker.SourceURL(ctx, url); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDataIntegrity, err)
		}
	}

	var cond *domain.CacheEntry
	if hasEntry {
		cond = &entry
	}
	resp, err := c.request(ctx, url, cond)
	if err != nil {
		c.countError()
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		if cond != nil {
			if doc, err := decodeDocument(cond.Data); err == nil {
				c.mu.Lock()
				entry.LastValidated = c.now()
				c.disk[url] = entry
				c.dirty = true
				c.stats.Validations++
				c.mu.Unlock()
				c.metrics.IncCacheEvent("validation")
				c.logger.Debug("source validated (304)", zap.String("url", url))
				return c.remember(url, doc), nil
			}
		}

		// 304 without usable cached data: one unconditional retry
		c.logger.Warn("got 304 without cached data, re-fetching", zap.String("url", url))
		c.countError()
		resp, err = c.request(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotModified {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: 304 for unconditional request", domain.ErrDataIntegrity)
		}
	}

	doc, fresh, err := c.readDocument(url, resp)
	if err != nil {
		c.countError()
		return nil, err
	}

	c.mu.Lock()
	c.disk[url] = fresh
	c.dirty = true
	c.stats.Misses++
	c.mu.Unlock()
	c.metrics.IncCacheEvent("miss")

	return c.remember(url, doc), nil
}

// remember stores doc in memory unless another caller got there first,
// in which case the earlier document wins.
func (c *SourceCache) remember(url string, doc *domain.RuleListDocument) *domain.RuleListDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.memory[url]; ok {
		return existing
	}
	c.memory[url] = doc
	return doc
}

func (c *SourceCache) request(ctx context.Context, url string, cond *domain.CacheEntry) (*http.Response, error) {
	return c.executor.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")
		if cond != nil {
			if cond.ETag != "" {
				req.Header.Set("If-None-Match", cond.ETag)
			}
			if cond.LastModified != "" {
				req.Header.Set("If-Modified-Since", cond.LastModified)
			}
		}
		c.metrics.IncSourceFetch()
		return c.client.Do(req)
	})
}

func (c *SourceCache) readDocument(url string, resp *http.Response) (*domain.RuleListDocument, domain.CacheEntry, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.CacheEntry{}, fmt.Errorf("unexpected status %d from source", resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !allowedContentTypes[strings.ToLower(mediaType)] {
		return nil, domain.CacheEntry{}, fmt.Errorf("%w: disallowed content type %q",
			domain.ErrDataIntegrity, resp.Header.Get("Content-Type"))
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		switch {
		case err != nil:
			c.logger.Warn("malformed Content-Length, relying on streamed size",
				zap.String("url", url), zap.String("content_length", cl))
		case n > c.cfg.MaxBytes:
			return nil, domain.CacheEntry{}, fmt.Errorf("%w: response too large (%d bytes)", domain.ErrDataIntegrity, n)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, domain.CacheEntry{}, fmt.Errorf("failed to read source body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBytes {
		return nil, domain.CacheEntry{}, fmt.Errorf("%w: response exceeds %d bytes", domain.ErrDataIntegrity, c.cfg.MaxBytes)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, domain.CacheEntry{}, fmt.Errorf("%w: invalid JSON response: %v", domain.ErrDataIntegrity, err)
	}
	doc, err := decodeDocument(compact.Bytes())
	if err != nil {
		return nil, domain.CacheEntry{}, err
	}

	now := c.now()
	entry := domain.CacheEntry{
		Data:          json.RawMessage(compact.Bytes()),
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		FetchedAt:     now,
		LastValidated: now,
	}
	return doc, entry, nil
}

func decodeDocument(raw []byte) (*domain.RuleListDocument, error) {
	doc, err := domain.ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	if err := validate.Document(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *SourceCache) countError() {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
	c.metrics.IncCacheEvent("error")
}

// Stats returns a snapshot of cache counters.
func (c *SourceCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the number of entries in the disk tier.
func (c *SourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.disk)
}

// Save persists the disk tier if anything changed.
func (c *SourceCache) Save() error {
	c.mu.Lock()
	if c.file == nil || c.readOnly || !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]domain.CacheEntry, len(c.disk))
	for k, v := range c.disk {
		snapshot[k] = v
	}
	c.mu.Unlock()

	if err := c.file.Save(snapshot); err != nil {
		c.countError()
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	c.logger.Debug("saved disk cache", zap.Int("entries", len(snapshot)))
	return nil
}

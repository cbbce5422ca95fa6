package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

const sampleDoc = `{"group":{"group":"Ads","action":{"do":0,"status":1}},"rules":[{"PK":"a.com"},{"PK":"b.com"}]}`

// sourceServer serves one document and honors If-None-Match.
type sourceServer struct {
	*httptest.Server
	requests    atomic.Int32
	conditional atomic.Int32
	body        string
	contentType string
	etag        string
	delay       time.Duration
}

func newSourceServer(t *testing.T, body string) *sourceServer {
	t.Helper()
	s := &sourceServer{body: body, contentType: "application/json", etag: `"v1"`}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			s.conditional.Add(1)
			if inm == s.etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.Header().Set("Content-Type", s.contentType)
		w.Header().Set("ETag", s.etag)
		w.Header().Set("Last-Modified", "Mon, 05 Jan 2026 10:00:00 GMT")
		fmt.Fprint(w, s.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestSourceCache(t *testing.T, srv *httptest.Server, file *CacheFile, cfg SourceCacheConfig) *SourceCache {
	t.Helper()
	e, _, m := newTestExecutor(1)
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return NewSourceCacheWithClient(cfg, client, e, file, nil, m, zap.NewNop())
}

func TestSourceCache_MemoryHitAfterFetch(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	c := newTestSourceCache(t, srv.Server, nil, DefaultSourceCacheConfig())
	url := srv.URL + "/ads.json"

	doc, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "Ads", doc.Folder.Name)
	assert.Equal(t, []string{"a.com", "b.com"}, doc.RuleSets[0].Rules)

	again, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Same(t, doc, again)
	assert.EqualValues(t, 1, srv.requests.Load())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.cacheEvents.WithLabelValues("miss")))
}

func TestSourceCache_FreshDiskHitSkipsNetwork(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	file := NewCacheFileWithPath(filepath.Join(t.TempDir(), CacheFileName), zap.NewNop())
	url := srv.URL + "/ads.json"

	first := newTestSourceCache(t, srv.Server, file, DefaultSourceCacheConfig())
	_, err := first.Get(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, first.Save())

	// simulated next run: new memory tier, same disk tier
	second := newTestSourceCache(t, srv.Server, file, DefaultSourceCacheConfig())
	doc, err := second.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "Ads", doc.Folder.Name)
	assert.EqualValues(t, 1, srv.requests.Load())
	assert.Equal(t, 1, second.Stats().Hits)
}

func TestSourceCache_ExpiredEntryRevalidates(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	file := NewCacheFileWithPath(filepath.Join(t.TempDir(), CacheFileName), zap.NewNop())
	url := srv.URL + "/ads.json"

	stale := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, file.Save(map[string]domain.CacheEntry{
		url: {Data: json.RawMessage(sampleDoc), ETag: `"v1"`, FetchedAt: stale, LastValidated: stale},
	}))

	c := newTestSourceCache(t, srv.Server, file, DefaultSourceCacheConfig())
	doc, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "Ads", doc.Folder.Name)

	assert.EqualValues(t, 1, srv.requests.Load())
	assert.EqualValues(t, 1, srv.conditional.Load())
	assert.Equal(t, 1, c.Stats().Validations)

	require.NoError(t, c.Save())
	loaded, err := file.Load()
	require.NoError(t, err)
	assert.JSONEq(t, sampleDoc, string(loaded[url].Data))
	assert.True(t, loaded[url].LastValidated.After(stale))
	assert.True(t, loaded[url].FetchedAt.Equal(stale))
}

func TestSourceCache_NotModifiedWithoutUsableData(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	file := NewCacheFileWithPath(filepath.Join(t.TempDir(), CacheFileName), zap.NewNop())
	url := srv.URL + "/ads.json"

	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, file.Save(map[string]domain.CacheEntry{
		url: {Data: json.RawMessage(`{"not":"a document"}`), ETag: `"v1"`, LastValidated: stale},
	}))

	c := newTestSourceCache(t, srv.Server, file, DefaultSourceCacheConfig())
	doc, err := c.Get(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "Ads", doc.Folder.Name)

	// conditional request answered 304, then exactly one unconditional retry
	assert.EqualValues(t, 2, srv.requests.Load())
	assert.EqualValues(t, 1, srv.conditional.Load())
	assert.Equal(t, 1, c.Stats().Misses)
}

func TestSourceCache_RejectsDisallowedContentType(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	srv.contentType = "text/html; charset=utf-8"
	c := newTestSourceCache(t, srv.Server, nil, DefaultSourceCacheConfig())

	_, err := c.Get(context.Background(), srv.URL+"/ads.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
	assert.Equal(t, 1, c.Stats().Errors)
}

func TestSourceCache_AcceptsTextPlainWithCharset(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	srv.contentType = "text/plain; charset=utf-8"
	c := newTestSourceCache(t, srv.Server, nil, DefaultSourceCacheConfig())

	_, err := c.Get(context.Background(), srv.URL+"/ads.json")
	assert.NoError(t, err)
}

func TestSourceCache_RejectsOversized(t *testing.T) {
	big := `{"group":{"group":"Big"},"rules":[` + strings.Repeat(`{"PK":"x.com"},`, 200) + `{"PK":"y.com"}]}`
	srv := newSourceServer(t, big)
	cfg := DefaultSourceCacheConfig()
	cfg.MaxBytes = 512
	c := newTestSourceCache(t, srv.Server, nil, cfg)

	_, err := c.Get(context.Background(), srv.URL+"/big.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestSourceCache_RejectsOversizedStream(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fl := w.(http.Flusher)
		fmt.Fprint(w, `{"group":{"group":"S"},"rules":[`)
		fl.Flush()
		for i := 0; i < 100; i++ {
			fmt.Fprint(w, `{"PK":"stream.example.com"},`)
			fl.Flush()
		}
		fmt.Fprint(w, `{"PK":"z.com"}]}`)
	}))
	defer srv.Close()

	cfg := DefaultSourceCacheConfig()
	cfg.MaxBytes = 256
	c := newTestSourceCache(t, srv, nil, cfg)

	_, err := c.Get(context.Background(), srv.URL+"/s.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestSourceCache_RejectsInvalidDocuments(t *testing.T) {
	for name, body := range map[string]string{
		"invalid json":  `{"group":`,
		"missing group": `{"rules":[]}`,
		"unsafe folder": `{"group":{"group":"<script>"}}`,
		"root not dict": `["a"]`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := newSourceServer(t, body)
			c := newTestSourceCache(t, srv.Server, nil, DefaultSourceCacheConfig())
			_, err := c.Get(context.Background(), srv.URL+"/x.json")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrDataIntegrity)
		})
	}
}

func TestSourceCache_RejectsPlainHTTP(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	c := newTestSourceCache(t, srv.Server, nil, DefaultSourceCacheConfig())

	_, err := c.Get(context.Background(), strings.Replace(srv.URL, "https://", "http://", 1))
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
	assert.EqualValues(t, 0, srv.requests.Load())
}

func TestSourceCache_ConcurrentGetsShareOneFetch(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	srv.delay = 50 * time.Millisecond
	c := newTestSourceCache(t, srv.Server, nil, DefaultSourceCacheConfig())
	url := srv.URL + "/ads.json"

	var wg sync.WaitGroup
	docs := make([]*domain.RuleListDocument, 20)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.Get(context.Background(), url)
			assert.NoError(t, err)
			docs[i] = d
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, srv.requests.Load())
	for _, d := range docs {
		assert.Same(t, docs[0], d)
	}
}

type denyChecker struct{}

func (denyChecker) SourceURL(context.Context, string) error { return fmt.Errorf("blocked") }

func TestSourceCache_URLCheckerBlocksFetch(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	e, _, m := newTestExecutor(1)
	c := NewSourceCacheWithClient(DefaultSourceCacheConfig(), srv.Client(), e, nil, denyChecker{}, m, zap.NewNop())

	_, err := c.Get(context.Background(), srv.URL+"/ads.json")
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
	assert.EqualValues(t, 0, srv.requests.Load())
}

func TestSourceCache_ReadOnlyDoesNotPersist(t *testing.T) {
	srv := newSourceServer(t, sampleDoc)
	file := NewCacheFileWithPath(filepath.Join(t.TempDir(), CacheFileName), zap.NewNop())
	c := newTestSourceCache(t, srv.Server, file, DefaultSourceCacheConfig())
	c.SetReadOnly(true)

	_, err := c.Get(context.Background(), srv.URL+"/ads.json")
	require.NoError(t, err)
	require.NoError(t, c.Save())

	loaded, err := file.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

package fixtures

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// FakeSources serves rule-list documents over HTTPS.
type FakeSources struct {
	Server *httptest.Server

	mu       sync.Mutex
	docs     map[string]string
	requests map[string]int
}

// NewFakeSources starts an empty TLS document server.
func NewFakeSources() *FakeSources {
	s := &FakeSources{docs: make(map[string]string), requests: make(map[string]int)}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serve))
	return s
}

// Close stops the server.
func (s *FakeSources) Close() {
	s.Server.Close()
}

// Client returns an HTTP client trusting the server and never following redirects.
func (s *FakeSources) Client() *http.Client {
	c := s.Server.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

// Set publishes a raw document at path and returns its URL.
func (s *FakeSources) Set(path, body string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = body
	return s.Server.URL + path
}

// SetLegacy publishes a single-action document.
func (s *FakeSources) SetLegacy(path, folder string, do int, rules ...string) string {
	return s.Set(path, LegacyDocument(folder, do, rules...))
}

// Requests returns how often path was fetched.
func (s *FakeSources) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *FakeSources) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body, ok := s.docs[r.URL.Path]
	s.requests[r.URL.Path]++
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	etag := fmt.Sprintf(`"%x"`, len(body))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	fmt.Fprint(w, body)
}

// LegacyDocument renders a single-action rule-list document.
func LegacyDocument(folder string, do int, rules ...string) string {
	items := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		items = append(items, map[string]any{"PK": r})
	}
	raw, _ := json.Marshal(map[string]any{
		"group": map[string]any{
			"group":  folder,
			"action": map[string]any{"do": do, "status": 1},
		},
		"rules": items,
	})
	return string(raw)
}

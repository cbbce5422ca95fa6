// Package fixtures provides fake servers for package and integration tests.
package fixtures

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CreateMode controls how the fake answers folder creation.
type CreateMode int

const (
	// CreateDirect returns body.group.PK.
	CreateDirect CreateMode = iota
	// CreateList returns body.groups with every folder.
	CreateList
	// CreateEmpty returns no id; the client must poll the folder list.
	CreateEmpty
)

// FakeFolder is one folder held by the fake control plane.
type FakeFolder struct {
	ID     string
	Name   string
	Do     int
	Status int
	Rules  []string
}

// PushedBatch records one rule-creation request.
type PushedBatch struct {
	FolderID string
	Do       int
	Status   int
	Rules    []string
}

type fakeProfile struct {
	folders []*FakeFolder
	root    []string
}

// FakeControlPlane is an in-memory control plane served over HTTP.
type FakeControlPlane struct {
	Server *httptest.Server
	Token  string

	mu         sync.Mutex
	profiles   map[string]*fakeProfile
	forbidden  map[string]bool
	nextID     int
	numericIDs bool
	createMode CreateMode
	hideNew    int
	failPushes map[int]bool
	pushCount  int
	pushHold   chan struct{}
	pushSeen   chan struct{}
	calls      map[string]int
	pushed     []PushedBatch
	deleted    []string
}

// NewFakeControlPlane starts a fake accepting the given bearer token.
func NewFakeControlPlane(token string) *FakeControlPlane {
	f := &FakeControlPlane{
		Token:      token,
		profiles:   make(map[string]*fakeProfile),
		forbidden:  make(map[string]bool),
		failPushes: make(map[int]bool),
		calls:      make(map[string]int),
		nextID:     100,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(f.count)
	r.Use(f.auth)
	r.Route("/profiles/{profile}", func(pr chi.Router) {
		pr.Use(f.profileExists)
		pr.Get("/groups", f.listGroups)
		pr.Post("/groups", f.createGroup)
		pr.Delete("/groups/{id}", f.deleteGroup)
		pr.Get("/rules", f.listRules)
		pr.Get("/rules/{id}", f.listRules)
		pr.Post("/rules", f.createRules)
	})

	f.Server = httptest.NewServer(r)
	return f
}

// BaseURL is the profiles endpoint to hand to the client.
func (f *FakeControlPlane) BaseURL() string {
	return f.Server.URL + "/profiles"
}

// Close stops the server.
func (f *FakeControlPlane) Close() {
	f.Server.Close()
}

// AddProfile registers an empty profile.
func (f *FakeControlPlane) AddProfile(profile string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[profile]; !ok {
		f.profiles[profile] = &fakeProfile{}
	}
}

// AddFolder seeds a folder with rules.
func (f *FakeControlPlane) AddFolder(profile, id, name string, rules ...string) {
	f.AddProfile(profile)
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[profile]
	p.folders = append(p.folders, &FakeFolder{ID: id, Name: name, Status: 1, Rules: append([]string(nil), rules...)})
}

// AddRootRules seeds rules at the profile root.
func (f *FakeControlPlane) AddRootRules(profile string, rules ...string) {
	f.AddProfile(profile)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[profile].root = append(f.profiles[profile].root, rules...)
}

// Forbid makes every request for profile answer 403.
func (f *FakeControlPlane) Forbid(profile string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forbidden[profile] = true
}

// SetNumericIDs renders folder ids as JSON numbers.
func (f *FakeControlPlane) SetNumericIDs(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numericIDs = v
}

// SetCreateMode changes how folder creation responds. hidden is the
// number of folder listings that omit a newly created folder.
func (f *FakeControlPlane) SetCreateMode(mode CreateMode, hidden int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createMode = mode
	f.hideNew = hidden
}

// FailPush makes the n-th (1-based) rule push answer 500.
func (f *FakeControlPlane) FailPush(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPushes[n] = true
}

// HoldPushes makes every rule push wait, after it is received and before
// it is applied, until release is called. started yields once per push.
func (f *FakeControlPlane) HoldPushes() (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushHold = make(chan struct{})
	f.pushSeen = make(chan struct{}, 64)
	hold := f.pushHold
	var once sync.Once
	return f.pushSeen, func() { once.Do(func() { close(hold) }) }
}

// Folders returns a copy of the profile's folders.
func (f *FakeControlPlane) Folders(profile string) []FakeFolder {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[profile]
	if !ok {
		return nil
	}
	out := make([]FakeFolder, 0, len(p.folders))
	for _, fo := range p.folders {
		c := *fo
		c.Rules = append([]string(nil), fo.Rules...)
		out = append(out, c)
	}
	return out
}

// Pushed returns all recorded rule batches.
func (f *FakeControlPlane) Pushed() []PushedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PushedBatch(nil), f.pushed...)
}

// Deleted returns ids of deleted folders in deletion order.
func (f *FakeControlPlane) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Calls returns the total number of requests received.
func (f *FakeControlPlane) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// CallsTo returns requests received for a method and path suffix, e.g. "GET groups".
func (f *FakeControlPlane) CallsTo(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *FakeControlPlane) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		key := r.Method
		if len(parts) >= 3 {
			key += " " + parts[2]
		}
		f.mu.Lock()
		f.calls[key]++
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *FakeControlPlane) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeControlPlane) profileExists(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		profile := chi.URLParam(r, "profile")
		f.mu.Lock()
		_, ok := f.profiles[profile]
		forbidden := f.forbidden[profile]
		f.mu.Unlock()
		switch {
		case forbidden:
			writeJSON(w, http.StatusForbidden, map[string]any{"success": false})
		case !ok:
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (f *FakeControlPlane) listGroups(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[chi.URLParam(r, "profile")]

	groups := make([]map[string]any, 0, len(p.folders))
	for _, fo := range p.folders {
		if f.hideNew > 0 && fo.ID == f.lastCreatedLocked() {
			f.hideNew--
			continue
		}
		groups = append(groups, f.groupJSONLocked(fo))
	}
	writeJSON(w, http.StatusOK, map[string]any{"body": map[string]any{"groups": groups}, "success": true})
}

func (f *FakeControlPlane) createGroup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[chi.URLParam(r, "profile")]

	f.nextID++
	do, _ := strconv.Atoi(r.PostForm.Get("do"))
	status, _ := strconv.Atoi(r.PostForm.Get("status"))
	fo := &FakeFolder{ID: strconv.Itoa(f.nextID), Name: r.PostForm.Get("name"), Do: do, Status: status}
	p.folders = append(p.folders, fo)

	var body map[string]any
	switch f.createMode {
	case CreateDirect:
		body = map[string]any{"group": f.groupJSONLocked(fo)}
	case CreateList:
		groups := make([]map[string]any, 0, len(p.folders))
		for _, g := range p.folders {
			groups = append(groups, f.groupJSONLocked(g))
		}
		body = map[string]any{"groups": groups}
	default:
		body = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"body": body, "success": true})
}

func (f *FakeControlPlane) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[chi.URLParam(r, "profile")]

	for i, fo := range p.folders {
		if fo.ID == id {
			p.folders = append(p.folders[:i], p.folders[i+1:]...)
			f.deleted = append(f.deleted, id)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
}

func (f *FakeControlPlane) listRules(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[chi.URLParam(r, "profile")]

	var rules []string
	if id == "" {
		rules = p.root
	} else {
		fo := p.find(id)
		if fo == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
			return
		}
		rules = fo.Rules
	}
	items := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		items = append(items, map[string]any{"PK": rule})
	}
	writeJSON(w, http.StatusOK, map[string]any{"body": map[string]any{"rules": items}, "success": true})
}

func (f *FakeControlPlane) createRules(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false})
		return
	}

	f.mu.Lock()
	hold, seen := f.pushHold, f.pushSeen
	f.mu.Unlock()
	if hold != nil {
		select {
		case seen <- struct{}{}:
		default:
		}
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushCount++
	if f.failPushes[f.pushCount] {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
		return
	}

	p := f.profiles[chi.URLParam(r, "profile")]
	fo := p.find(r.PostForm.Get("group"))
	if fo == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
		return
	}

	var rules []string
	for i := 0; ; i++ {
		v, ok := r.PostForm["hostnames["+strconv.Itoa(i)+"]"]
		if !ok {
			break
		}
		rules = append(rules, v[0])
	}
	do, _ := strconv.Atoi(r.PostForm.Get("do"))
	status, _ := strconv.Atoi(r.PostForm.Get("status"))
	fo.Rules = append(fo.Rules, rules...)
	f.pushed = append(f.pushed, PushedBatch{FolderID: fo.ID, Do: do, Status: status, Rules: rules})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (f *FakeControlPlane) lastCreatedLocked() string {
	return strconv.Itoa(f.nextID)
}

func (f *FakeControlPlane) groupJSONLocked(fo *FakeFolder) map[string]any {
	var pk any = fo.ID
	if f.numericIDs {
		n, _ := strconv.Atoi(fo.ID)
		pk = n
	}
	return map[string]any{
		"PK":     pk,
		"group":  fo.Name,
		"action": map[string]any{"do": fo.Do, "status": fo.Status},
	}
}

func (p *fakeProfile) find(id string) *FakeFolder {
	for _, fo := range p.folders {
		if fo.ID == id {
			return fo
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

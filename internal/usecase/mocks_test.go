package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

var errBoom = errors.New("boom")

// mockSource implements domain.DocumentSource for testing
type mockSource struct {
	mu    sync.Mutex
	docs  map[string]*domain.RuleListDocument
	errs  map[string]error
	calls map[string]int
}

func newMockSource() *mockSource {
	return &mockSource{
		docs:  make(map[string]*domain.RuleListDocument),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (m *mockSource) set(url string, doc *domain.RuleListDocument) {
	m.docs[url] = doc
}

func (m *mockSource) Get(ctx context.Context, url string) (*domain.RuleListDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[url]++
	if err := m.errs[url]; err != nil {
		return nil, err
	}
	doc, ok := m.docs[url]
	if !ok {
		return nil, fmt.Errorf("no document at %s", url)
	}
	return doc, nil
}

type mockFolder struct {
	domain.RemoteFolder
	hiddenPolls int
}

type pushCall struct {
	FolderID string
	Action   domain.RuleAction
	Status   int
	Rules    []string
}

// mockControlPlane implements domain.ControlPlane in memory for testing
type mockControlPlane struct {
	mu sync.Mutex

	folders []*mockFolder
	rules   map[string][]string

	listErr     error
	deleteErr   map[string]error
	createErr   error
	createFound bool
	hidePolls   int
	pushErr     func(rules []string) error
	pushDelay   time.Duration

	nextID      int
	calls       []string
	deleted     []string
	created     []domain.FolderSpec
	pushes      []pushCall
	inFlight    int
	maxInFlight int

	rootListed     chan struct{}
	rootListedOnce sync.Once
}

func newMockControlPlane() *mockControlPlane {
	return &mockControlPlane{
		rules:       make(map[string][]string),
		deleteErr:   make(map[string]error),
		createFound: true,
		nextID:      100,
		rootListed:  make(chan struct{}),
	}
}

func (m *mockControlPlane) addFolder(id, name string, rules ...string) {
	m.folders = append(m.folders, &mockFolder{RemoteFolder: domain.RemoteFolder{Name: name, ID: id}})
	m.rules[id] = rules
}

func (m *mockControlPlane) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockControlPlane) ListFolders(ctx context.Context, profileID string) ([]domain.RemoteFolder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list_folders")
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.RemoteFolder
	for _, f := range m.folders {
		if f.hiddenPolls > 0 {
			f.hiddenPolls--
			continue
		}
		out = append(out, f.RemoteFolder)
	}
	return out, nil
}

func (m *mockControlPlane) DeleteFolder(ctx context.Context, profileID, folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete " + folderID)
	if err := m.deleteErr[folderID]; err != nil {
		return err
	}
	for i, f := range m.folders {
		if f.ID == folderID {
			m.folders = append(m.folders[:i], m.folders[i+1:]...)
			break
		}
	}
	delete(m.rules, folderID)
	m.deleted = append(m.deleted, folderID)
	return nil
}

func (m *mockControlPlane) CreateFolder(ctx context.Context, profileID string, spec domain.FolderSpec) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create " + spec.Name)
	if m.createErr != nil {
		return "", false, m.createErr
	}
	m.nextID++
	id := fmt.Sprintf("new%d", m.nextID)
	m.folders = append(m.folders, &mockFolder{
		RemoteFolder: domain.RemoteFolder{Name: spec.Name, ID: id},
		hiddenPolls:  m.hidePolls,
	})
	m.created = append(m.created, spec)
	if !m.createFound {
		return "", false, nil
	}
	return id, true, nil
}

func (m *mockControlPlane) ListRules(ctx context.Context, profileID, folderID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list_rules " + folderID)
	if folderID == "" {
		m.rootListedOnce.Do(func() { close(m.rootListed) })
	}
	return append([]string(nil), m.rules[folderID]...), nil
}

func (m *mockControlPlane) PushRules(ctx context.Context, profileID, folderID string, action domain.RuleAction, status int, rules []string) error {
	m.mu.Lock()
	m.record("push " + folderID)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay, failFn := m.pushDelay, m.pushErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if failFn != nil {
		if err := failFn(rules); err != nil {
			return err
		}
	}
	m.rules[folderID] = append(m.rules[folderID], rules...)
	m.pushes = append(m.pushes, pushCall{FolderID: folderID, Action: action, Status: status, Rules: append([]string(nil), rules...)})
	return nil
}

func (m *mockControlPlane) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockControlPlane) pushedRules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.pushes {
		out = append(out, p.Rules...)
	}
	return out
}

// mockRecorder implements PushRecorder for testing
type mockRecorder struct {
	mu       sync.Mutex
	pushed   int
	failures int
}

func (r *mockRecorder) AddRulesPushed(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed += n
}

func (r *mockRecorder) IncBatchFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

// recordingSleep records requested waits without sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(ctx context.Context, d time.Duration) error
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		return hook(ctx, d)
	}
	return ctx.Err()
}

func (s *recordingSleep) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func legacyDoc(name string, rules ...string) *domain.RuleListDocument {
	return &domain.RuleListDocument{
		Folder:   domain.FolderSpec{Name: name, Action: domain.ActionBlock, Status: 1},
		RuleSets: []domain.ActionedRuleSet{{Action: domain.ActionBlock, Status: 1, Rules: rules}},
		Legacy:   true,
	}
}

func hostnames(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d.example.com", prefix, i)
	}
	return out
}

// Package domain holds the sync entities and the interfaces that infra implements.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RuleAction is the control plane's "do" value for a folder or rule.
type RuleAction int

const (
	ActionBlock RuleAction = 0
	ActionAllow RuleAction = 1
)

// Default action/status applied when a document omits them.
const (
	DefaultAction RuleAction = ActionBlock
	DefaultStatus            = 1
)

func (a RuleAction) String() string {
	switch a {
	case ActionBlock:
		return "block"
	case ActionAllow:
		return "allow"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// FolderSpec names a folder and its default action.
// Name is the correlation key against remote folders.
type FolderSpec struct {
	Name   string
	Action RuleAction
	Status int
}

// ActionedRuleSet is one group of rules sharing an action and status.
type ActionedRuleSet struct {
	Action RuleAction
	Status int
	Rules  []string
}

// RuleListDocument is a parsed source document.
// Legacy documents carry exactly one rule set derived from the folder action.
type RuleListDocument struct {
	Folder   FolderSpec
	RuleSets []ActionedRuleSet
	Legacy   bool
}

// RuleCount returns the number of rule entries across all rule sets.
func (d *RuleListDocument) RuleCount() int {
	n := 0
	for _, rs := range d.RuleSets {
		n += len(rs.Rules)
	}
	return n
}

// RemoteFolder is a folder as currently known on the control plane.
type RemoteFolder struct {
	Name string
	ID   string
}

// CacheEntry is one persisted source document.
// Data is always the last schema-valid document body.
type CacheEntry struct {
	Data          json.RawMessage `json:"data"`
	ETag          string          `json:"etag,omitempty"`
	LastModified  string          `json:"last_modified,omitempty"`
	FetchedAt     time.Time       `json:"fetched_at"`
	LastValidated time.Time       `json:"last_validated"`
}

// RateLimitState is the last observed rate-limit header set.
type RateLimitState struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Observed  bool      `json:"observed"`
}

// PlanRuleGroup is the per-rule-set breakdown of a multi-action folder.
type PlanRuleGroup struct {
	Rules  int        `json:"rules" yaml:"rules"`
	Action RuleAction `json:"action" yaml:"action"`
	Status int        `json:"status" yaml:"status"`
}

// PlanFolder is one folder the run intends to (re)create.
type PlanFolder struct {
	Name       string          `json:"name" yaml:"name"`
	Rules      int             `json:"rules" yaml:"rules"`
	Action     *RuleAction     `json:"action,omitempty" yaml:"action,omitempty"`
	Status     *int            `json:"status,omitempty" yaml:"status,omitempty"`
	RuleGroups []PlanRuleGroup `json:"rule_groups,omitempty" yaml:"rule_groups,omitempty"`
}

// SyncPlan is built once per profile and never mutated.
type SyncPlan struct {
	Profile string       `json:"profile" yaml:"profile"`
	Folders []PlanFolder `json:"folders" yaml:"folders"`
}

// TotalRules sums rule counts across planned folders.
func (p *SyncPlan) TotalRules() int {
	n := 0
	for _, f := range p.Folders {
		n += f.Rules
	}
	return n
}

// SyncStatus is the terminal state of a profile run.
type SyncStatus string

const (
	StatusSuccess        SyncStatus = "success"
	StatusPartialFailure SyncStatus = "partial_failure"
	StatusHardFailure    SyncStatus = "hard_failure"
	StatusCancelled      SyncStatus = "cancelled"
	StatusPlanned        SyncStatus = "planned"
)

// ProfileResult summarizes one profile run.
type ProfileResult struct {
	Profile       string
	Status        SyncStatus
	Plan          *SyncPlan
	FoldersSynced int
	FoldersTotal  int
	RulesPushed   int
	Duration      time.Duration
	Err           error
}

// OK reports whether the profile run is considered successful.
func (r *ProfileResult) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusPlanned
}

// ExistingRuleSet tracks rule identifiers already present in a profile.
// Safe for concurrent use.
type ExistingRuleSet struct {
	mu    sync.RWMutex
	rules map[string]struct{}
}

// NewExistingRuleSet creates a set seeded with rules.
func NewExistingRuleSet(rules ...string) *ExistingRuleSet {
	s := &ExistingRuleSet{rules: make(map[string]struct{}, len(rules))}
	for _, r := range rules {
		s.rules[r] = struct{}{}
	}
	return s
}

// Contains reports whether rule is known.
func (s *ExistingRuleSet) Contains(rule string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rules[rule]
	return ok
}

// AddAll inserts rules under a single lock acquisition.
func (s *ExistingRuleSet) AddAll(rules []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		s.rules[r] = struct{}{}
	}
}

// Len returns the number of known rules.
func (s *ExistingRuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// wire format of a source document

type wireAction struct {
	Do     *int `json:"do"`
	Status *int `json:"status"`
}

type wireRule struct {
	PK json.RawMessage `json:"PK"`
}

type wireRuleGroup struct {
	Action *wireAction `json:"action"`
	Rules  []wireRule  `json:"rules"`
}

type wireGroup struct {
	Group  *string     `json:"group"`
	Action *wireAction `json:"action"`
}

type wireDocument struct {
	Group      *wireGroup      `json:"group"`
	Rules      []wireRule      `json:"rules"`
	RuleGroups []wireRuleGroup `json:"rule_groups"`
}

// ParseDocument decodes and schema-checks a source document.
// Folder name safety is checked separately by the validate package.
func ParseDocument(raw []byte) (*RuleListDocument, error) {
	var w wireDocument
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrDataIntegrity, err)
	}
	if w.Group == nil {
		return nil, fmt.Errorf("%w: missing 'group' object", ErrDataIntegrity)
	}
	if w.Group.Group == nil {
		return nil, fmt.Errorf("%w: missing 'group.group' folder name", ErrDataIntegrity)
	}

	doc := &RuleListDocument{
		Folder: FolderSpec{Name: strings.TrimSpace(*w.Group.Group)},
	}
	doc.Folder.Action, doc.Folder.Status = resolveAction(w.Group.Action)

	if w.RuleGroups != nil {
		doc.RuleSets = make([]ActionedRuleSet, 0, len(w.RuleGroups))
		for _, rg := range w.RuleGroups {
			action, status := resolveAction(rg.Action)
			doc.RuleSets = append(doc.RuleSets, ActionedRuleSet{
				Action: action,
				Status: status,
				Rules:  ruleKeys(rg.Rules),
			})
		}
		return doc, nil
	}

	doc.Legacy = true
	doc.RuleSets = []ActionedRuleSet{{
		Action: doc.Folder.Action,
		Status: doc.Folder.Status,
		Rules:  ruleKeys(w.Rules),
	}}
	return doc, nil
}

func resolveAction(a *wireAction) (RuleAction, int) {
	action, status := DefaultAction, DefaultStatus
	if a == nil {
		return action, status
	}
	if a.Do != nil {
		action = RuleAction(*a.Do)
	}
	if a.Status != nil {
		status = *a.Status
	}
	return action, status
}

// ruleKeys keeps non-empty string PKs in order.
func ruleKeys(rules []wireRule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		var pk string
		if len(r.PK) == 0 || json.Unmarshal(r.PK, &pk) != nil || pk == "" {
			continue
		}
		out = append(out, pk)
	}
	return out
}

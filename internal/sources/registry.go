// Package sources lists the curated rule-list documents synced by default.
package sources

import (
	"fmt"
	"sort"
)

// Known providers.
const (
	ProviderHagezi    = "hagezi"
	ProviderYokoffing = "yokoffing"
)

const (
	hageziBase    = "https://raw.githubusercontent.com/hagezi/dns-blocklists/main/controld/"
	yokoffingBase = "https://raw.githubusercontent.com/yokoffing/Control-D-Config/main/folders/"
)

// Source is one published folder document.
type Source struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

var defaults = []Source{
	{ID: "apple-private-relay-allow", Provider: ProviderHagezi, URL: hageziBase + "apple-private-relay-allow-folder.json"},
	{ID: "badware-hoster", Provider: ProviderHagezi, URL: hageziBase + "badware-hoster-folder.json"},
	{ID: "meta-tracker-allow", Provider: ProviderHagezi, URL: hageziBase + "meta-tracker-allow-folder.json"},
	{ID: "microsoft-allow", Provider: ProviderHagezi, URL: hageziBase + "microsoft-allow-folder.json"},
	{ID: "native-tracker-amazon", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-amazon-folder.json"},
	{ID: "native-tracker-apple", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-apple-folder.json"},
	{ID: "native-tracker-huawei", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-huawei-folder.json"},
	{ID: "native-tracker-lgwebos", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-lgwebos-folder.json"},
	{ID: "native-tracker-microsoft", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-microsoft-folder.json"},
	{ID: "native-tracker-oppo-realme", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-oppo-realme-folder.json"},
	{ID: "native-tracker-samsung", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-samsung-folder.json"},
	{ID: "native-tracker-tiktok-aggressive", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-tiktok-aggressive-folder.json"},
	{ID: "native-tracker-tiktok", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-tiktok-folder.json"},
	{ID: "native-tracker-vivo", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-vivo-folder.json"},
	{ID: "native-tracker-xiaomi", Provider: ProviderHagezi, URL: hageziBase + "native-tracker-xiaomi-folder.json"},
	{ID: "nosafesearch", Provider: ProviderHagezi, URL: hageziBase + "nosafesearch-folder.json"},
	{ID: "referral-allow", Provider: ProviderHagezi, URL: hageziBase + "referral-allow-folder.json"},
	{ID: "spam-idns", Provider: ProviderHagezi, URL: hageziBase + "spam-idns-folder.json"},
	{ID: "spam-tlds-allow", Provider: ProviderHagezi, URL: hageziBase + "spam-tlds-allow-folder.json"},
	{ID: "spam-tlds-combined", Provider: ProviderHagezi, URL: hageziBase + "spam-tlds-combined-folder.json"},
	{ID: "spam-tlds", Provider: ProviderHagezi, URL: hageziBase + "spam-tlds-folder.json"},
	{ID: "ultimate-known_issues-allow", Provider: ProviderHagezi, URL: hageziBase + "ultimate-known_issues-allow-folder.json"},
	{ID: "potentially-malicious-ips", Provider: ProviderYokoffing, URL: yokoffingBase + "potentially-malicious-ips.json"},
}

// Registry holds the known sources in a stable order.
type Registry struct {
	sources []Source
	byID    map[string]int
}

// NewRegistry creates a registry with the default sources.
func NewRegistry() *Registry {
	return NewRegistryWithSources(defaults...)
}

// NewRegistryWithSources creates a registry with custom sources (for testing).
// Later duplicates of an ID replace earlier ones in place.
func NewRegistryWithSources(sources ...Source) *Registry {
	r := &Registry{byID: make(map[string]int, len(sources))}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds a source.
func (r *Registry) Register(s Source) {
	if i, ok := r.byID[s.ID]; ok {
		r.sources[i] = s
		return
	}
	r.byID[s.ID] = len(r.sources)
	r.sources = append(r.sources, s)
}

// Get returns a source by ID.
func (r *Registry) Get(id string) (Source, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Source{}, false
	}
	return r.sources[i], true
}

// All returns every source in registration order.
func (r *Registry) All() []Source {
	return append([]Source(nil), r.sources...)
}

// URLs returns every source URL in registration order.
func (r *Registry) URLs() []string {
	urls := make([]string, len(r.sources))
	for i, s := range r.sources {
		urls[i] = s.URL
	}
	return urls
}

// Select resolves IDs to URLs, failing on the first unknown ID.
func (r *Registry) Select(ids ...string) ([]string, error) {
	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		s, ok := r.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown source: %s", id)
		}
		urls = append(urls, s.URL)
	}
	return urls, nil
}

// Providers returns the distinct provider names, sorted.
func (r *Registry) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.sources {
		if !seen[s.Provider] {
			seen[s.Provider] = true
			out = append(out, s.Provider)
		}
	}
	sort.Strings(out)
	return out
}

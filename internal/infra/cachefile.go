package infra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

// CacheFileName is the disk tier file inside the cache directory.
const CacheFileName = "blocklists.json"

// CacheFile is the persistent tier of the source cache: one JSON object
// keyed by source URL, written atomically with owner-only permissions.
type CacheFile struct {
	path   string
	logger *zap.Logger
}

// NewCacheFile creates a cache file in the platform cache directory.
func NewCacheFile(logger *zap.Logger) (*CacheFile, error) {
	dir, err := CacheDir()
	if err != nil {
		return nil, err
	}
	return NewCacheFileWithPath(filepath.Join(dir, CacheFileName), logger), nil
}

// NewCacheFileWithPath creates a cache file at a specific path (for testing).
func NewCacheFileWithPath(path string, logger *zap.Logger) *CacheFile {
	return &CacheFile{path: path, logger: logger}
}

// Path returns the cache file path.
func (f *CacheFile) Path() string {
	return f.path
}

// Load reads all well-formed entries. Entries that are not objects or lack
// data are dropped individually. A missing file yields an empty map.
func (f *CacheFile) Load() (map[string]domain.CacheEntry, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]domain.CacheEntry{}, nil
		}
		return map[string]domain.CacheEntry{}, fmt.Errorf("failed to read cache file: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return map[string]domain.CacheEntry{}, fmt.Errorf("failed to parse cache file: %w", err)
	}

	entries := make(map[string]domain.CacheEntry, len(top))
	dropped := 0
	for url, v := range top {
		entry, ok := decodeEntry(v)
		if !ok {
			dropped++
			f.logger.Debug("dropping malformed cache entry", zap.String("url", url))
			continue
		}
		entries[url] = entry
	}

	if dropped > 0 {
		f.logger.Info("loaded disk cache",
			zap.Int("entries", len(entries)),
			zap.Int("dropped", dropped))
	} else {
		f.logger.Debug("loaded disk cache", zap.Int("entries", len(entries)))
	}
	return entries, nil
}

func decodeEntry(v json.RawMessage) (domain.CacheEntry, bool) {
	var entry domain.CacheEntry
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return entry, false
	}
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return entry, false
	}
	data := bytes.TrimSpace(entry.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return entry, false
	}
	return entry, true
}

// Save writes entries atomically (write temp file, then rename).
func (f *CacheFile) Save(entries map[string]domain.CacheEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}
	return f.atomicWrite(data)
}

// Clear removes the cache file.
func (f *CacheFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// CacheFileStat describes one persisted entry without decoding its payload.
type CacheFileStat struct {
	URL           string
	Bytes         int
	ETag          string
	FetchedAt     time.Time
	LastValidated time.Time
}

// Stat lists entries of the cache file.
func (f *CacheFile) Stat() ([]CacheFileStat, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("cache file is not valid JSON")
	}

	var stats []CacheFileStat
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		stats = append(stats, CacheFileStat{
			URL:           key.String(),
			Bytes:         len(value.Get("data").Raw),
			ETag:          value.Get("etag").String(),
			FetchedAt:     value.Get("fetched_at").Time(),
			LastValidated: value.Get("last_validated").Time(),
		})
		return true
	})
	return stats, nil
}

// Prune removes entries last validated before cutoff and returns how many
// were removed. Payloads of surviving entries are copied byte for byte.
func (f *CacheFile) Prune(cutoff time.Time) (int, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache file: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return 0, fmt.Errorf("cache file is not valid JSON")
	}

	var stale []string
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() || value.Get("last_validated").Time().Before(cutoff) {
			stale = append(stale, key.String())
		}
		return true
	})
	if len(stale) == 0 {
		return 0, nil
	}

	for _, url := range stale {
		raw, err = sjson.DeleteBytes(raw, gjson.Escape(url))
		if err != nil {
			return 0, fmt.Errorf("failed to prune cache entry: %w", err)
		}
	}
	if err := f.atomicWrite(raw); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// atomicWrite writes data to the cache file atomically (write + rename).
func (f *CacheFile) atomicWrite(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	if runtime.GOOS != "windows" {
		_ = os.Chmod(dir, 0700)
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", f.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	return nil
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/ctrldsync/internal/config"
	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/infra"
	"github.com/eliteGoblin/ctrldsync/internal/sources"
	"github.com/eliteGoblin/ctrldsync/internal/usecase"
)

func TestPrintSummary(t *testing.T) {
	report := &usecase.RunReport{
		Duration: 2 * time.Second,
		Results: []*domain.ProfileResult{
			{Profile: "p1", Status: domain.StatusSuccess, FoldersSynced: 2, FoldersTotal: 2, RulesPushed: 40},
			{Profile: "p2", Status: domain.StatusHardFailure, Err: domain.ErrAccessDenied},
		},
	}

	var buf bytes.Buffer
	printSummary(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "PROFILE")
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "2/2")
	assert.Contains(t, out, "hard_failure (access denied)")
	assert.Contains(t, out, "1/2 ok")
	assert.NotContains(t, out, "dry run")
}

func TestPrintSummary_DryRunShowsPlannedRules(t *testing.T) {
	report := &usecase.RunReport{
		DryRun: true,
		Results: []*domain.ProfileResult{{
			Profile: usecase.DryRunPlaceholderProfile,
			Status:  domain.StatusPlanned,
			Plan:    &domain.SyncPlan{Folders: []domain.PlanFolder{{Name: "A", Rules: 7}}},
		}},
	}

	var buf bytes.Buffer
	printSummary(&buf, report)

	assert.Contains(t, buf.String(), "7")
	assert.Contains(t, buf.String(), "dry run: no changes were made")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, infra.CacheStats{Hits: 3, Misses: 1}, infra.NewMetrics(),
		domain.RateLimitState{Limit: 100, Remaining: 42, Observed: true})

	assert.Contains(t, buf.String(), "3 hits, 1 misses")
	assert.Contains(t, buf.String(), "42/100 remaining")
}

func TestWriteSources(t *testing.T) {
	reg := sources.NewRegistryWithSources(
		sources.Source{ID: "ads", Provider: "test", URL: "https://example.com/ads.json"},
	)

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeSources(&buf, reg, false))
		assert.Contains(t, buf.String(), "ads")
		assert.Contains(t, buf.String(), "https://example.com/ads.json")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeSources(&buf, reg, true))
		var decoded []sources.Source
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, "ads", decoded[0].ID)
	})
}

func TestWriteCacheStats(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stats := []infra.CacheFileStat{
		{URL: "https://a", Bytes: 10, LastValidated: now.Add(-time.Minute)},
		{URL: "https://b", Bytes: 20, LastValidated: now.Add(-2 * time.Hour)},
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeCacheStats(&buf, "/tmp/c.json", stats, time.Hour, now, false))
		out := buf.String()
		assert.Contains(t, out, "/tmp/c.json")
		assert.Contains(t, out, "30")
		assert.Contains(t, out, "2 entries")
	})

	t.Run("json marks freshness", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeCacheStats(&buf, "", stats, time.Hour, now, true))
		var rows []cacheStatJSON
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
		require.Len(t, rows, 2)
		assert.True(t, rows[0].Fresh)
		assert.False(t, rows[1].Fresh)
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeCacheStats(&buf, "/tmp/c.json", nil, time.Hour, now, false))
		assert.Contains(t, buf.String(), "no cached sources")
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("broken") }

func TestReadToken(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "single line", input: "abc\n", want: "abc"},
		{name: "skips blank lines", input: "\n  \n  tok123  \nother\n", want: "tok123"},
		{name: "no trailing newline", input: "abc", want: "abc"},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readToken(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("read error", func(t *testing.T) {
		_, err := readToken(failingReader{})
		assert.ErrorContains(t, err, "broken")
	})
}

func TestResolveURLs(t *testing.T) {
	t.Run("explicit urls win", func(t *testing.T) {
		cfg := &config.Config{FolderURLs: []string{"https://x/a.json"}}
		got, err := resolveURLs(cfg, []string{"badware-hoster"})
		require.NoError(t, err)
		assert.Equal(t, []string{"https://x/a.json"}, got)
	})

	t.Run("selected sources", func(t *testing.T) {
		got, err := resolveURLs(&config.Config{}, []string{"badware-hoster"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Contains(t, got[0], "badware-hoster")
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := resolveURLs(&config.Config{}, []string{"nope"})
		assert.Error(t, err)
	})

	t.Run("all defaults", func(t *testing.T) {
		got, err := resolveURLs(&config.Config{}, nil)
		require.NoError(t, err)
		assert.Len(t, got, len(sources.NewRegistry().All()))
	})
}

func TestScheduledArgs(t *testing.T) {
	assert.Equal(t, []string{"sync"}, scheduledArgs("", nil))
	assert.Equal(t,
		[]string{"sync", "--config", "/etc/c.yaml", "--no-delete"},
		scheduledArgs("/etc/c.yaml", []string{"--no-delete"}))
}

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/config"
	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/infra"
	"github.com/eliteGoblin/ctrldsync/internal/redact"
	"github.com/eliteGoblin/ctrldsync/internal/sources"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the curated default rule-list sources",
	RunE:  runSources,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or maintain the on-disk source cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached source documents",
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the cache file",
	RunE:  runCacheClear,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop entries not validated recently",
	RunE:  runCachePrune,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the API token in the encrypted credential store",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Read a token from stdin and store it",
	Long: `Reads the API token from the first line of stdin and stores it encrypted.

  echo "$CTRLD_TOKEN" | ctrldsync token set`,
	RunE: runTokenSet,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the stored token",
	RunE:  runTokenClear,
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a token is stored",
	RunE:  runTokenStatus,
}

var (
	sourcesJSON    bool
	cacheJSON      bool
	pruneOlderThan time.Duration
)

func init() {
	sourcesCmd.Flags().BoolVar(&sourcesJSON, "json", false, "Output as JSON")
	cacheStatsCmd.Flags().BoolVar(&cacheJSON, "json", false, "Output as JSON")
	cachePruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Prune entries last validated before this age")

	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cachePruneCmd)
	tokenCmd.AddCommand(tokenSetCmd, tokenClearCmd, tokenStatusCmd)
}

func runSources(cmd *cobra.Command, args []string) error {
	return writeSources(cmd.OutOrStdout(), sources.NewRegistry(), sourcesJSON)
}

func writeSources(out io.Writer, reg *sources.Registry, asJSON bool) error {
	all := reg.All()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tURL")
	for _, s := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Provider, s.URL)
	}
	return w.Flush()
}

// maintenanceEnv loads config and a logger for the non-sync commands.
func maintenanceEnv(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := createLogger(cfg.Log.Level, cfg.Log.File, redact.New(cfg.Token))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openCacheFile(cfg *config.Config, logger *zap.Logger) *infra.CacheFile {
	return infra.NewCacheFileWithPath(filepath.Join(cfg.Cache.Dir, infra.CacheFileName), logger)
}

// withCacheLock runs fn while holding the cache lock.
func withCacheLock(cfg *config.Config, logger *zap.Logger, fn func() error) error {
	lock := infra.NewCacheLock(cfg.Cache.Dir, logger)
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("cache is in use: %w", err)
	}
	defer func() { _ = lock.Release() }()
	return fn()
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, logger, err := maintenanceEnv(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	file := openCacheFile(cfg, logger)
	stats, err := file.Stat()
	if err != nil {
		return err
	}
	return writeCacheStats(cmd.OutOrStdout(), file.Path(), stats, cfg.Cache.TTL, time.Now(), cacheJSON)
}

type cacheStatJSON struct {
	URL           string    `json:"url"`
	Bytes         int       `json:"bytes"`
	ETag          string    `json:"etag,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
	LastValidated time.Time `json:"last_validated"`
	Fresh         bool      `json:"fresh"`
}

func writeCacheStats(out io.Writer, path string, stats []infra.CacheFileStat, ttl time.Duration, now time.Time, asJSON bool) error {
	if asJSON {
		rows := make([]cacheStatJSON, 0, len(stats))
		for _, s := range stats {
			rows = append(rows, cacheStatJSON{
				URL:           s.URL,
				Bytes:         s.Bytes,
				ETag:          s.ETag,
				FetchedAt:     s.FetchedAt,
				LastValidated: s.LastValidated,
				Fresh:         now.Sub(s.LastValidated) < ttl,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	fmt.Fprintf(out, "cache file: %s\n", path)
	if len(stats) == 0 {
		fmt.Fprintln(out, "no cached sources")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "URL\tBYTES\tVALIDATED\tFRESH")
	total := 0
	for _, s := range stats {
		fresh := "no"
		if now.Sub(s.LastValidated) < ttl {
			fresh = "yes"
		}
		fmt.Fprintf(w, "%s\t%d\t%s ago\t%s\n", s.URL, s.Bytes, now.Sub(s.LastValidated).Round(time.Second), fresh)
		total += s.Bytes
	}
	fmt.Fprintf(w, "TOTAL\t%d\t\t%d entries\n", total, len(stats))
	return w.Flush()
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, logger, err := maintenanceEnv(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	file := openCacheFile(cfg, logger)
	return withCacheLock(cfg, logger, func() error {
		if err := file.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", file.Path())
		return nil
	})
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	if pruneOlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	cfg, logger, err := maintenanceEnv(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	file := openCacheFile(cfg, logger)
	return withCacheLock(cfg, logger, func() error {
		n, err := file.Prune(time.Now().Add(-pruneOlderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", n)
		return nil
	})
}

func openTokenStore() (*infra.EncryptedCredentialStore, error) {
	dir, err := infra.ConfigDir()
	if err != nil {
		return nil, err
	}
	return infra.OpenCredentialStore(dir)
}

func runTokenSet(cmd *cobra.Command, args []string) error {
	token, err := readToken(cmd.InOrStdin())
	if err != nil {
		return err
	}
	store, err := openTokenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetToken(token); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "token stored in %s\n", store.Path())
	return nil
}

// readToken returns the first non-empty line of r.
func readToken(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return "", errors.New("no token on stdin")
}

func runTokenClear(cmd *cobra.Command, args []string) error {
	store, err := openTokenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "token cleared")
	return nil
}

func runTokenStatus(cmd *cobra.Command, args []string) error {
	store, err := openTokenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = store.GetToken()
	switch {
	case err == nil:
		fmt.Fprintln(cmd.OutOrStdout(), "token: stored")
	case errors.Is(err, domain.ErrCredentialNotFound):
		fmt.Fprintln(cmd.OutOrStdout(), "token: not set")
	default:
		return err
	}
	return nil
}

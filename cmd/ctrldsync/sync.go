package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/config"
	"github.com/eliteGoblin/ctrldsync/internal/daemon"
	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/infra"
	"github.com/eliteGoblin/ctrldsync/internal/redact"
	"github.com/eliteGoblin/ctrldsync/internal/sources"
	"github.com/eliteGoblin/ctrldsync/internal/usecase"
	"github.com/eliteGoblin/ctrldsync/internal/validate"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile source folders into Control D profiles",
	Long: `Fetches every configured rule-list document, deletes the matching
folders in each profile, recreates them and pushes their rules.

Without --folder-url or --source the curated default sources are used.
--dry-run fetches and plans only; no Control D API calls are made.`,
	RunE: runSync,
}

var (
	syncProfiles   []string
	syncFolderURLs []string
	syncSourceIDs  []string
	syncDryRun     bool
	syncNoDelete   bool
	syncPlanFile   string
	syncPlanFormat string
	syncWatch      time.Duration
	syncBatchSize  int
	syncMetrics    string
)

var errSyncFailed = errors.New("sync finished with errors")

func init() {
	f := syncCmd.Flags()
	f.StringSliceVar(&syncProfiles, "profile", nil, "Profile ID or dashboard URL (repeatable, comma-separated)")
	f.StringSliceVar(&syncFolderURLs, "folder-url", nil, "Rule-list document URL (repeatable)")
	f.StringSliceVar(&syncSourceIDs, "source", nil, "Default source ID to sync (see 'ctrldsync sources')")
	f.BoolVar(&syncDryRun, "dry-run", false, "Plan only, make no API calls")
	f.BoolVar(&syncNoDelete, "no-delete", false, "Do not delete existing folders before recreating them")
	f.StringVar(&syncPlanFile, "plan-json", "", "Write the plan of every profile to this file")
	f.StringVar(&syncPlanFormat, "plan-format", usecase.PlanFormatJSON, "Plan file format (json, yaml)")
	f.DurationVar(&syncWatch, "watch", 0, "Repeat the sync at this interval until interrupted")
	f.IntVar(&syncBatchSize, "batch-size", usecase.DefaultBatchSize, "Rules per create request (at most 500)")
	f.StringVar(&syncMetrics, "metrics-file", "", "Write Prometheus textfile metrics here after each run")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	redactor := redact.New()
	logger, err := createLogger(cfg.Log.Level, cfg.Log.File, redactor)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	urls, err := resolveURLs(cfg, syncSourceIDs)
	if err != nil {
		return err
	}

	token := ""
	if !syncDryRun {
		token, err = resolveToken(cfg)
		if err != nil {
			return err
		}
		redactor.AddSecret(token)
	}

	opts := usecase.RunOptions{
		Profiles:    cfg.Profiles,
		URLs:        urls,
		SyncOptions: usecase.SyncOptions{DryRun: syncDryRun, NoDelete: syncNoDelete},
	}

	ctx, cancel := signalContext()
	defer cancel()

	if syncWatch > 0 {
		schedCfg := daemon.SchedulerConfig{Interval: syncWatch}
		if err := schedCfg.Validate(); err != nil {
			return err
		}
		sched := daemon.NewScheduler(schedCfg, func(ctx context.Context, i int) error {
			return runOnce(ctx, cfg, token, opts, logger.With(zap.Int("iteration", i)))
		}, logger)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	return runOnce(ctx, cfg, token, opts, logger)
}

// runOnce performs one complete run with fresh per-run state: metrics,
// rate-limit tracker, executor and memory tier. Only the disk tier is shared
// across runs.
func runOnce(ctx context.Context, cfg *config.Config, token string, opts usecase.RunOptions, logger *zap.Logger) error {
	metrics := infra.NewMetrics()
	tracker := infra.NewRateLimitTracker(metrics, logger)
	executor := infra.NewExecutor(cfg.RetryPolicy(), tracker, metrics, logger)

	readOnly := false
	lock := infra.NewCacheLock(cfg.Cache.Dir, logger)
	if err := lock.Acquire(); err != nil {
		logger.Warn("disk cache is in use, continuing read-only", zap.Error(err))
		readOnly = true
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release cache lock", zap.Error(err))
		}
	}()

	cacheFile := infra.NewCacheFileWithPath(filepath.Join(cfg.Cache.Dir, infra.CacheFileName), logger)
	cache := infra.NewSourceCache(cfg.SourceCacheConfig(), executor, cacheFile, validate.NewURLValidator(logger), metrics, logger)
	cache.SetReadOnly(readOnly)

	cp := infra.NewControlPlaneClient(cfg.API.BaseURL, token, cfg.API.Timeout, executor, metrics, logger)
	cp.SetUserAgent(cfg.API.UserAgent)

	syncer := usecase.NewSyncer(cache, cp, cfg.SyncerConfig(), metrics, logger)
	report, runErr := usecase.NewRunner(syncer, logger).Run(ctx, opts)

	if err := cache.Save(); err != nil {
		logger.Warn("failed to save disk cache", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}

	if syncPlanFile != "" {
		if err := writePlanFile(syncPlanFile, syncPlanFormat, report.Plans()); err != nil {
			logger.Error("failed to write plan file", zap.Error(err))
		} else {
			logger.Info("plan written", zap.String("path", syncPlanFile))
		}
	}

	printSummary(os.Stdout, report)
	printStats(os.Stdout, cache.Stats(), metrics, tracker.Snapshot())

	if cfg.Metrics.File != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.File); err != nil {
			logger.Warn("failed to write metrics", zap.Error(err))
		}
	}

	if !report.OK() {
		return errSyncFailed
	}
	return nil
}

// resolveURLs picks explicit URLs, then selected default sources, then all defaults.
func resolveURLs(cfg *config.Config, ids []string) ([]string, error) {
	if len(cfg.FolderURLs) > 0 {
		return cfg.FolderURLs, nil
	}
	reg := sources.NewRegistry()
	if len(ids) > 0 {
		return reg.Select(ids...)
	}
	return reg.URLs(), nil
}

// resolveToken prefers configuration and falls back to the credential store.
func resolveToken(cfg *config.Config) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	dir, err := infra.ConfigDir()
	if err != nil {
		return "", err
	}
	store, err := infra.OpenCredentialStore(dir)
	if err != nil {
		return "", fmt.Errorf("no API token configured and credential store unavailable: %w", err)
	}
	defer store.Close()

	token, err := store.GetToken()
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return "", fmt.Errorf("no API token: set TOKEN or run 'ctrldsync token set'")
	}
	return token, err
}

func writePlanFile(path, format string, plans []*domain.SyncPlan) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create plan file: %w", err)
	}
	if err := usecase.WritePlans(f, plans, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

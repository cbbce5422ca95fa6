package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/validate"
)

// DryRunPlaceholderProfile is used when a dry run has no profiles configured.
const DryRunPlaceholderProfile = "dry-run-placeholder"

// ErrNoProfiles is returned when a live run has no profiles to sync.
var ErrNoProfiles = errors.New("no profiles configured")

// ProfileSyncer is the per-profile pipeline the Runner drives.
type ProfileSyncer interface {
	WarmUp(ctx context.Context, urls []string)
	SyncProfile(ctx context.Context, profile string, urls []string, opts SyncOptions) *domain.ProfileResult
}

// RunOptions describes one invocation across profiles.
type RunOptions struct {
	Profiles []string
	URLs     []string
	SyncOptions
}

// RunReport aggregates a multi-profile run.
type RunReport struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Results  []*domain.ProfileResult
	DryRun   bool
}

// Plans returns the plans of every profile that got far enough to build one.
func (r *RunReport) Plans() []*domain.SyncPlan {
	var plans []*domain.SyncPlan
	for _, res := range r.Results {
		if res.Plan != nil {
			plans = append(plans, res.Plan)
		}
	}
	return plans
}

// Succeeded counts profiles whose run is considered successful.
func (r *RunReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// OK reports whether every profile succeeded.
func (r *RunReport) OK() bool {
	return len(r.Results) > 0 && r.Succeeded() == len(r.Results)
}

// Runner syncs several profiles sequentially. A failure in one profile
// never stops the others.
type Runner struct {
	syncer ProfileSyncer
	logger *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(syncer ProfileSyncer, logger *zap.Logger) *Runner {
	return &Runner{syncer: syncer, logger: logger}
}

// Run validates the profiles, warms the cache, then syncs each profile.
// After cancellation the remaining profiles are reported as cancelled.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	report := &RunReport{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		DryRun:  opts.DryRun,
	}
	log := r.logger.With(zap.String("run_id", report.RunID))
	defer func() { report.Duration = time.Since(report.Started) }()

	profiles := make([]string, 0, len(opts.Profiles))
	for _, p := range opts.Profiles {
		if id := validate.ExtractProfileID(p); id != "" {
			profiles = append(profiles, id)
		}
	}
	if len(profiles) == 0 {
		if !opts.DryRun {
			return report, ErrNoProfiles
		}
		profiles = []string{DryRunPlaceholderProfile}
	}
	if len(opts.URLs) == 0 {
		return report, fmt.Errorf("no folder URLs configured")
	}

	log.Info("starting sync",
		zap.Int("profiles", len(profiles)),
		zap.Int("urls", len(opts.URLs)),
		zap.Bool("dry_run", opts.DryRun))

	r.syncer.WarmUp(ctx, opts.URLs)

	for _, profile := range profiles {
		if ctx.Err() != nil {
			report.Results = append(report.Results, &domain.ProfileResult{
				Profile: profile,
				Status:  domain.StatusCancelled,
				Err:     ctx.Err(),
			})
			continue
		}
		if !validate.ProfileID(profile) {
			log.Error("invalid profile id", zap.String("profile", profile))
			report.Results = append(report.Results, &domain.ProfileResult{
				Profile: profile,
				Status:  domain.StatusHardFailure,
				Err:     fmt.Errorf("invalid profile id %q", profile),
			})
			continue
		}

		log.Info("syncing profile", zap.String("profile", profile))
		res := r.syncer.SyncProfile(ctx, profile, opts.URLs, opts.SyncOptions)
		report.Results = append(report.Results, res)
	}

	log.Info("run finished",
		zap.Int("succeeded", report.Succeeded()),
		zap.Int("total", len(report.Results)))
	return report, nil
}

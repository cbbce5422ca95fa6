// Package usecase contains the reconciliation pipeline.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/validate"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SyncConfig tunes the reconciliation pipeline.
type SyncConfig struct {
	BatchSize          int
	PushWorkers        int
	EnumerateWorkers   int
	SettleDelay        time.Duration
	CreatePollAttempts int
	CreatePollDelay    time.Duration
}

// DefaultSyncConfig returns the provider-tuned defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:          DefaultBatchSize,
		PushWorkers:        3,
		EnumerateWorkers:   5,
		SettleDelay:        60 * time.Second,
		CreatePollAttempts: 10,
		CreatePollDelay:    5 * time.Second,
	}
}

// SyncOptions are per-run switches.
type SyncOptions struct {
	DryRun   bool
	NoDelete bool
}

// Syncer reconciles one profile at a time against its source documents.
type Syncer struct {
	source domain.DocumentSource
	cp     domain.ControlPlane
	pool   *semaphore.Weighted
	pusher *RulePusher
	cfg    SyncConfig
	sleep  SleepFunc
	logger *zap.Logger
}

// NewSyncer creates a Syncer. The delete/push pool is created here and
// shared by every profile this Syncer runs.
func NewSyncer(
	source domain.DocumentSource,
	cp domain.ControlPlane,
	cfg SyncConfig,
	recorder PushRecorder,
	logger *zap.Logger,
) *Syncer {
	return NewSyncerWithSleep(source, cp, cfg, recorder, sleepContext, logger)
}

// NewSyncerWithSleep creates a Syncer with an injected sleep for tests.
func NewSyncerWithSleep(
	source domain.DocumentSource,
	cp domain.ControlPlane,
	cfg SyncConfig,
	recorder PushRecorder,
	sleep SleepFunc,
	logger *zap.Logger,
) *Syncer {
	if cfg.PushWorkers <= 0 {
		cfg.PushWorkers = 1
	}
	if cfg.EnumerateWorkers <= 0 {
		cfg.EnumerateWorkers = 1
	}
	pool := semaphore.NewWeighted(int64(cfg.PushWorkers))
	return &Syncer{
		source: source,
		cp:     cp,
		pool:   pool,
		pusher: NewRulePusher(cp, pool, cfg.BatchSize, recorder, logger),
		cfg:    cfg,
		sleep:  sleep,
		logger: logger,
	}
}

// WarmUp fetches every URL once in parallel so later profiles hit memory.
// Failures are logged and otherwise ignored.
func (s *Syncer) WarmUp(ctx context.Context, urls []string) {
	docs := s.fetchAll(ctx, dedup(urls))
	s.logger.Info("cache warmed", zap.Int("urls", len(urls)), zap.Int("documents", len(docs)))
}

// SyncProfile runs fetch, plan, delete, enumerate, create and push for one
// profile. Failures local to a document or batch are reported in the result.
func (s *Syncer) SyncProfile(ctx context.Context, profile string, urls []string, opts SyncOptions) *domain.ProfileResult {
	start := time.Now()
	log := s.logger.With(zap.String("profile", profile))
	res := &domain.ProfileResult{Profile: profile}
	defer func() { res.Duration = time.Since(start) }()

	docs := s.fetchAll(ctx, urls)
	if len(docs) == 0 {
		if ctx.Err() != nil {
			return s.cancelled(res, log)
		}
		log.Error("no valid folder data found")
		res.Status = domain.StatusHardFailure
		res.Err = domain.ErrNoDocuments
		return res
	}

	res.Plan = BuildPlan(profile, docs)
	res.FoldersTotal = len(docs)
	if opts.DryRun {
		log.Info("dry-run complete, no API calls made",
			zap.Int("folders", len(docs)), zap.Int("rules", res.Plan.TotalRules()))
		res.Status = domain.StatusPlanned
		return res
	}

	folders, err := s.cp.ListFolders(ctx, profile)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(res, log)
		}
		log.Error("profile access check failed", zap.Error(err))
		res.Status = domain.StatusHardFailure
		res.Err = err
		return res
	}

	var settle <-chan error
	if !opts.NoDelete {
		var deleted int
		folders, deleted = s.deleteMatching(ctx, profile, docs, folders, log)
		if deleted > 0 {
			settle = s.startSettle(ctx, log)
		}
	}

	existing := s.enumerateRules(ctx, profile, folders, log)

	if settle != nil {
		if err := <-settle; err != nil {
			return s.cancelled(res, log)
		}
	}

	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		ok, pushed := s.syncFolder(ctx, profile, doc, existing, log)
		res.RulesPushed += pushed
		if ok {
			res.FoldersSynced++
		}
	}

	if ctx.Err() != nil {
		return s.cancelled(res, log)
	}
	if res.FoldersSynced == res.FoldersTotal {
		res.Status = domain.StatusSuccess
	} else {
		res.Status = domain.StatusPartialFailure
		res.Err = fmt.Errorf("%d/%d folders synced", res.FoldersSynced, res.FoldersTotal)
	}
	log.Info("sync complete",
		zap.Int("folders_synced", res.FoldersSynced),
		zap.Int("folders_total", res.FoldersTotal),
		zap.Int("rules_pushed", res.RulesPushed))
	return res
}

func (s *Syncer) cancelled(res *domain.ProfileResult, log *zap.Logger) *domain.ProfileResult {
	log.Warn("sync interrupted",
		zap.Int("folders_synced", res.FoldersSynced),
		zap.Int("rules_pushed", res.RulesPushed))
	res.Status = domain.StatusCancelled
	res.Err = context.Canceled
	return res
}

// fetchAll fetches every URL concurrently and returns the documents that
// loaded, in URL order.
func (s *Syncer) fetchAll(ctx context.Context, urls []string) []*domain.RuleListDocument {
	out := make([]*domain.RuleListDocument, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			doc, err := s.source.Get(ctx, url)
			if err != nil {
				s.logger.Error("failed to fetch folder data", zap.String("url", url), zap.Error(err))
				return nil
			}
			out[i] = doc
			return nil
		})
	}
	_ = g.Wait()

	docs := out[:0]
	for _, d := range out {
		if d != nil {
			docs = append(docs, d)
		}
	}
	return docs
}

// deleteMatching deletes remote folders whose names match a document and
// returns the surviving folder list plus the number deleted.
func (s *Syncer) deleteMatching(
	ctx context.Context,
	profile string,
	docs []*domain.RuleListDocument,
	folders []domain.RemoteFolder,
	log *zap.Logger,
) ([]domain.RemoteFolder, int) {
	byName := make(map[string]string, len(folders))
	for _, f := range folders {
		if _, ok := byName[f.Name]; !ok {
			byName[f.Name] = f.ID
		}
	}

	var targets []domain.RemoteFolder
	queued := make(map[string]bool)
	for _, doc := range docs {
		id, ok := byName[doc.Folder.Name]
		if ok && !queued[id] {
			queued[id] = true
			targets = append(targets, domain.RemoteFolder{Name: doc.Folder.Name, ID: id})
		}
	}
	if len(targets) == 0 {
		return folders, 0
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		deleted = make(map[string]bool)
	)
	for _, t := range targets {
		if err := s.pool.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t domain.RemoteFolder) {
			defer wg.Done()
			defer s.pool.Release(1)
			if err := s.cp.DeleteFolder(ctx, profile, t.ID); err != nil {
				log.Error("failed to delete folder", zap.String("folder", t.Name), zap.String("folder_id", t.ID), zap.Error(err))
				return
			}
			log.Info("deleted folder", zap.String("folder", t.Name), zap.String("folder_id", t.ID))
			mu.Lock()
			deleted[t.ID] = true
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	surviving := make([]domain.RemoteFolder, 0, len(folders))
	for _, f := range folders {
		if !deleted[f.ID] {
			surviving = append(surviving, f)
		}
	}
	return surviving, len(deleted)
}

// startSettle waits out the provider's deletion propagation in the background.
func (s *Syncer) startSettle(ctx context.Context, log *zap.Logger) <-chan error {
	done := make(chan error, 1)
	log.Info("waiting for deletions to propagate", zap.Duration("delay", s.cfg.SettleDelay))
	go func() {
		done <- s.sleep(ctx, s.cfg.SettleDelay)
	}()
	return done
}

// enumerateRules collects rule identifiers from the profile root and every
// surviving folder. Per-folder failures are logged and skipped.
func (s *Syncer) enumerateRules(ctx context.Context, profile string, folders []domain.RemoteFolder, log *zap.Logger) *domain.ExistingRuleSet {
	existing := domain.NewExistingRuleSet()

	if root, err := s.cp.ListRules(ctx, profile, ""); err != nil {
		log.Warn("failed to fetch root rules", zap.Error(err))
	} else {
		existing.AddAll(root)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.EnumerateWorkers)
	for _, f := range folders {
		g.Go(func() error {
			rules, err := s.cp.ListRules(ctx, profile, f.ID)
			if err != nil {
				log.Warn("failed to fetch folder rules", zap.String("folder_id", f.ID), zap.Error(err))
				return nil
			}
			existing.AddAll(rules)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("existing rules enumerated", zap.Int("rules", existing.Len()))
	return existing
}

// syncFolder creates the document's folder and pushes each rule set.
func (s *Syncer) syncFolder(
	ctx context.Context,
	profile string,
	doc *domain.RuleListDocument,
	existing *domain.ExistingRuleSet,
	log *zap.Logger,
) (bool, int) {
	name := doc.Folder.Name
	id, err := s.createFolder(ctx, profile, doc.Folder, log)
	if err != nil {
		log.Error("failed to create folder", zap.String("folder", name), zap.Error(err))
		return false, 0
	}

	ok, pushed := true, 0
	for _, rs := range doc.RuleSets {
		r := s.pusher.Push(ctx, profile, name, id, rs.Action, rs.Status, rs.Rules, existing)
		pushed += len(r.Succeeded)
		if !r.OK() {
			ok = false
		}
	}
	return ok, pushed
}

var errFolderNotFound = errors.New("folder not found after creation")

// createFolder creates the folder and resolves its id: directly from the
// creation response when present, otherwise by polling the folder list
// with linearly growing delays.
func (s *Syncer) createFolder(ctx context.Context, profile string, spec domain.FolderSpec, log *zap.Logger) (string, error) {
	id, found, err := s.cp.CreateFolder(ctx, profile, spec)
	if err != nil {
		return "", err
	}
	if found {
		log.Info("created folder", zap.String("folder", spec.Name), zap.String("folder_id", id), zap.String("resolved", "direct"))
		return id, nil
	}

	polls := s.cfg.CreatePollAttempts + 1
	for attempt := 0; attempt < polls; attempt++ {
		id, ok, err := s.findFolder(ctx, profile, spec.Name)
		switch {
		case err != nil:
			log.Warn("error listing folders while polling", zap.Int("attempt", attempt), zap.Error(err))
		case ok:
			log.Info("created folder", zap.String("folder", spec.Name), zap.String("folder_id", id), zap.String("resolved", "polled"))
			return id, nil
		}

		if attempt < polls-1 {
			wait := s.cfg.CreatePollDelay * time.Duration(attempt+1)
			log.Info("folder not visible yet", zap.String("folder", spec.Name), zap.Duration("retry_in", wait))
			if err := s.sleep(ctx, wait); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w: %s", errFolderNotFound, spec.Name)
}

func (s *Syncer) findFolder(ctx context.Context, profile, name string) (string, bool, error) {
	folders, err := s.cp.ListFolders(ctx, profile)
	if err != nil {
		return "", false, err
	}
	want := strings.TrimSpace(name)
	for _, f := range folders {
		if strings.TrimSpace(f.Name) == want && validate.FolderID(f.ID) {
			return f.ID, true, nil
		}
	}
	return "", false, nil
}

func dedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

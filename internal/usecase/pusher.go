package usecase

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/validate"
)

const (
	// MaxBatchSize is the provider's per-request rule limit.
	MaxBatchSize = 500

	// DefaultBatchSize is the batch size used unless configured lower.
	DefaultBatchSize = MaxBatchSize
)

// PushRecorder receives push counters. *infra.Metrics satisfies it.
type PushRecorder interface {
	AddRulesPushed(n int)
	IncBatchFailure()
}

// PushResult describes one push of a rule set into a folder.
type PushResult struct {
	Input           int
	Duplicates      int
	SkippedExisting int
	SkippedInvalid  int
	// Batches holds the size of each transmitted batch in order.
	Batches []int
	// FailedBatches holds 1-based indices of batches that failed.
	FailedBatches []int
	Succeeded     []string
}

// Transmitted returns how many rules were sent across all batches.
func (r *PushResult) Transmitted() int {
	n := 0
	for _, b := range r.Batches {
		n += b
	}
	return n
}

// OK reports whether every batch succeeded.
func (r *PushResult) OK() bool {
	return len(r.FailedBatches) == 0
}

// RulePusher dedups, filters and batches rules into a folder.
// The pool is shared with folder deletion so the provider sees a
// bounded number of concurrent mutating calls.
type RulePusher struct {
	cp        domain.ControlPlane
	pool      *semaphore.Weighted
	batchSize int
	recorder  PushRecorder
	logger    *zap.Logger
}

// NewRulePusher creates a pusher over a shared worker pool.
func NewRulePusher(cp domain.ControlPlane, pool *semaphore.Weighted, batchSize int, recorder PushRecorder, logger *zap.Logger) *RulePusher {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = DefaultBatchSize
	}
	return &RulePusher{
		cp:        cp,
		pool:      pool,
		batchSize: batchSize,
		recorder:  recorder,
		logger:    logger,
	}
}

// Push sends rules to folderID. Rules already in existing are skipped;
// rules from each successful batch are added to existing immediately.
func (p *RulePusher) Push(
	ctx context.Context,
	profile, folderName, folderID string,
	action domain.RuleAction,
	status int,
	rules []string,
	existing *domain.ExistingRuleSet,
) *PushResult {
	res := &PushResult{Input: len(rules)}
	log := p.logger.With(zap.String("folder", folderName), zap.String("folder_id", folderID))

	if len(rules) == 0 {
		log.Info("no rules to push")
		return res
	}

	filtered := p.filter(rules, existing, res, log)
	if len(filtered) == 0 {
		log.Info("no new rules to push after filtering",
			zap.Int("skipped_existing", res.SkippedExisting),
			zap.Int("duplicates", res.Duplicates))
		return res
	}

	batches := chunk(filtered, p.batchSize)
	for _, b := range batches {
		res.Batches = append(res.Batches, len(b))
	}

	send := func(idx int, batch []string) bool {
		if ctx.Err() != nil {
			log.Warn("push interrupted", zap.Int("batch", idx))
			return false
		}
		if err := p.cp.PushRules(ctx, profile, folderID, action, status, batch); err != nil {
			log.Error("failed to push batch", zap.Int("batch", idx), zap.Int("rules", len(batch)), zap.Error(err))
			p.countFailure()
			return false
		}
		existing.AddAll(batch)
		p.countPushed(len(batch))
		log.Debug("batch pushed", zap.Int("batch", idx), zap.Int("rules", len(batch)))
		return true
	}

	ok := make([]bool, len(batches))
	if len(batches) == 1 {
		ok[0] = send(1, batches[0])
	} else {
		var wg sync.WaitGroup
		for i, batch := range batches {
			if err := p.pool.Acquire(ctx, 1); err != nil {
				log.Warn("push interrupted", zap.Int("remaining_batches", len(batches)-i))
				break
			}
			wg.Add(1)
			go func(i int, batch []string) {
				defer wg.Done()
				defer p.pool.Release(1)
				ok[i] = send(i+1, batch)
			}(i, batch)
		}
		wg.Wait()
	}

	for i, good := range ok {
		if good {
			res.Succeeded = append(res.Succeeded, batches[i]...)
		} else {
			res.FailedBatches = append(res.FailedBatches, i+1)
		}
	}

	if res.OK() {
		log.Info("folder finished", zap.Int("new_rules", len(filtered)))
	} else {
		log.Error("some batches failed",
			zap.Int("succeeded", len(batches)-len(res.FailedBatches)),
			zap.Int("total", len(batches)),
			zap.Ints("failed", res.FailedBatches))
	}
	return res
}

// filter dedups preserving first-seen order, then drops known and invalid rules.
func (p *RulePusher) filter(rules []string, existing *domain.ExistingRuleSet, res *PushResult, log *zap.Logger) []string {
	seen := make(map[string]struct{}, len(rules))
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if _, dup := seen[r]; dup {
			res.Duplicates++
			continue
		}
		seen[r] = struct{}{}

		if existing.Contains(r) {
			res.SkippedExisting++
			continue
		}
		if !validate.Rule(r) {
			log.Warn("skipping unsafe rule", zap.String("rule", r))
			res.SkippedInvalid++
			continue
		}
		out = append(out, r)
	}
	if res.SkippedInvalid > 0 {
		log.Warn("skipped unsafe rules", zap.Int("count", res.SkippedInvalid))
	}
	return out
}

func (p *RulePusher) countPushed(n int) {
	if p.recorder != nil {
		p.recorder.AddRulesPushed(n)
	}
}

func (p *RulePusher) countFailure() {
	if p.recorder != nil {
		p.recorder.IncBatchFailure()
	}
}

func chunk(items []string, size int) [][]string {
	out := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

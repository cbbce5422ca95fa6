//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/infra"
	"github.com/eliteGoblin/ctrldsync/internal/usecase"
	"github.com/eliteGoblin/ctrldsync/test/fixtures"
)

const testToken = "integration-token"

type allowAll struct{}

func (allowAll) SourceURL(context.Context, string) error { return nil }

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

var _ = Describe("Profile sync", func() {
	var (
		tmpDir   string
		cp       *fixtures.FakeControlPlane
		srcs     *fixtures.FakeSources
		cache    *infra.SourceCache
		runner   *usecase.Runner
		settled  []time.Duration
		newStack func()
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "ctrldsync-integration-*")
		Expect(err).NotTo(HaveOccurred())

		cp = fixtures.NewFakeControlPlane(testToken)
		srcs = fixtures.NewFakeSources()
		settled = nil

		newStack = func() {
			logger := zap.NewNop()
			metrics := infra.NewMetrics()
			tracker := infra.NewRateLimitTracker(metrics, logger)
			executor := infra.NewExecutorWithDeps(infra.DefaultRetryPolicy(), tracker, metrics, noSleep, func() float64 { return 1 }, logger)

			file := infra.NewCacheFileWithPath(filepath.Join(tmpDir, infra.CacheFileName), logger)
			cache = infra.NewSourceCacheWithClient(infra.DefaultSourceCacheConfig(), srcs.Client(), executor, file, allowAll{}, metrics, logger)
			client := infra.NewControlPlaneClientWithHTTP(cp.BaseURL(), testToken, cp.Server.Client(), executor, metrics, logger)

			cfg := usecase.DefaultSyncConfig()
			cfg.CreatePollDelay = time.Millisecond
			sleep := func(ctx context.Context, d time.Duration) error {
				settled = append(settled, d)
				return ctx.Err()
			}
			syncer := usecase.NewSyncerWithSleep(cache, client, cfg, metrics, sleep, logger)
			runner = usecase.NewRunner(syncer, logger)
		}
		newStack()
	})

	AfterEach(func() {
		cp.Close()
		srcs.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("a live run", func() {
		Context("when a matching folder already exists", func() {
			It("should delete it, recreate it and push only new rules", func() {
				cp.AddFolder("p1", "9", "Ads", "old.com")
				cp.AddFolder("p1", "10", "Mine", "keep.com")
				cp.AddRootRules("p1", "root.com")
				url := srcs.SetLegacy("/ads.json", "Ads", 0, "a.com", "b.com", "root.com", "keep.com", "a.com")

				report, err := runner.Run(context.Background(), usecase.RunOptions{
					Profiles: []string{"p1"},
					URLs:     []string{url},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(report.OK()).To(BeTrue())
				Expect(report.Results).To(HaveLen(1))

				res := report.Results[0]
				Expect(res.Status).To(Equal(domain.StatusSuccess))
				Expect(res.FoldersSynced).To(Equal(1))
				Expect(res.RulesPushed).To(Equal(2))

				Expect(cp.Deleted()).To(Equal([]string{"9"}))
				Expect(settled).To(ContainElement(60 * time.Second))

				names := []string{}
				for _, f := range cp.Folders("p1") {
					names = append(names, f.Name)
				}
				Expect(names).To(ConsistOf("Mine", "Ads"))

				pushed := cp.Pushed()
				Expect(pushed).To(HaveLen(1))
				Expect(pushed[0].Rules).To(Equal([]string{"a.com", "b.com"}))
			})
		})

		Context("when the profile is forbidden", func() {
			It("should fail that profile and still sync the next one", func() {
				cp.AddProfile("p2")
				cp.Forbid("p1")
				url := srcs.SetLegacy("/ads.json", "Ads", 0, "a.com")

				report, err := runner.Run(context.Background(), usecase.RunOptions{
					Profiles: []string{"p1", "p2"},
					URLs:     []string{url},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(report.OK()).To(BeFalse())
				Expect(report.Results[0].Status).To(Equal(domain.StatusHardFailure))
				Expect(report.Results[0].Err).To(MatchError(domain.ErrAccessDenied))
				Expect(report.Results[1].Status).To(Equal(domain.StatusSuccess))
			})
		})

		Context("when folder creation returns no id", func() {
			It("should find the folder by polling", func() {
				cp.AddProfile("p1")
				cp.SetCreateMode(fixtures.CreateEmpty, 2)
				url := srcs.SetLegacy("/ads.json", "Ads", 0, "a.com")

				report, err := runner.Run(context.Background(), usecase.RunOptions{
					Profiles: []string{"p1"},
					URLs:     []string{url},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Results[0].Status).To(Equal(domain.StatusSuccess))
				Expect(cp.Pushed()).To(HaveLen(1))
			})
		})

		Context("when more than one batch is needed", func() {
			It("should split the rules and retry a failed batch", func() {
				cp.AddProfile("p1")
				rules := make([]string, 0, 1100)
				for i := 0; i < 1100; i++ {
					rules = append(rules, "h"+strconv.Itoa(i)+".example.com")
				}
				url := srcs.SetLegacy("/big.json", "Big", 0, rules...)
				cp.FailPush(1)

				report, err := runner.Run(context.Background(), usecase.RunOptions{
					Profiles: []string{"p1"},
					URLs:     []string{url},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(report.Results[0].Status).To(Equal(domain.StatusSuccess))
				Expect(report.Results[0].RulesPushed).To(Equal(1100))

				sizes := []int{}
				for _, b := range cp.Pushed() {
					sizes = append(sizes, len(b.Rules))
				}
				Expect(sizes).To(ConsistOf(500, 500, 100))
			})
		})
	})

	Describe("an interrupted run", func() {
		It("should let the in-flight push finish and start nothing new", func() {
			cp.AddProfile("p1")
			cp.AddProfile("p2")
			first := srcs.SetLegacy("/ads.json", "Ads", 0, "a.com", "b.com")
			second := srcs.SetLegacy("/trackers.json", "Trackers", 0, "c.com")
			started, release := cp.HoldPushes()
			defer release()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan *usecase.RunReport, 1)
			go func() {
				defer GinkgoRecover()
				report, err := runner.Run(ctx, usecase.RunOptions{
					Profiles: []string{"p1", "p2"},
					URLs:     []string{first, second},
				})
				Expect(err).NotTo(HaveOccurred())
				done <- report
			}()

			Eventually(started, 5*time.Second).Should(Receive())
			cancel()
			release()

			var report *usecase.RunReport
			Eventually(done, 5*time.Second).Should(Receive(&report))
			Expect(report.Results).To(HaveLen(2))
			Expect(report.Results[0].Status).To(Equal(domain.StatusCancelled))
			Expect(report.Results[0].RulesPushed).To(Equal(2))
			Expect(report.Results[1].Status).To(Equal(domain.StatusCancelled))

			Expect(cp.Pushed()).To(HaveLen(1))
			Expect(cp.Pushed()[0].Rules).To(Equal([]string{"a.com", "b.com"}))
			Expect(cp.CallsTo("POST groups")).To(Equal(1))
			Expect(cp.Folders("p2")).To(BeEmpty())
		})
	})

	Describe("a dry run", func() {
		It("should plan without calling the control plane", func() {
			url := srcs.SetLegacy("/ads.json", "Ads", 0, "a.com", "b.com")

			report, err := runner.Run(context.Background(), usecase.RunOptions{
				URLs:        []string{url},
				SyncOptions: usecase.SyncOptions{DryRun: true},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(report.OK()).To(BeTrue())
			Expect(report.Results[0].Profile).To(Equal(usecase.DryRunPlaceholderProfile))
			Expect(report.Results[0].Status).To(Equal(domain.StatusPlanned))

			plans := report.Plans()
			Expect(plans).To(HaveLen(1))
			Expect(plans[0].TotalRules()).To(Equal(2))
			Expect(cp.Calls()).To(Equal(0))
		})
	})

	Describe("the disk cache", func() {
		It("should serve a fresh entry from disk on the next run", func() {
			url := srcs.SetLegacy("/ads.json", "Ads", 0, "a.com")
			opts := usecase.RunOptions{URLs: []string{url}, SyncOptions: usecase.SyncOptions{DryRun: true}}

			_, err := runner.Run(context.Background(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(cache.Save()).To(Succeed())
			Expect(cache.Stats().Misses).To(Equal(1))

			newStack()
			_, err = runner.Run(context.Background(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(srcs.Requests("/ads.json")).To(Equal(1))
			Expect(cache.Stats().Misses).To(Equal(0))
			Expect(cache.Stats().Hits).To(BeNumerically(">=", 1))
		})
	})
})

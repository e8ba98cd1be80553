package recording

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"streamvault/internal/journal"
	"streamvault/internal/metrics"
	"streamvault/internal/policy"
	"streamvault/internal/storage"
)

var _ = Describe("Storage rotation for camA", func() {
	var (
		ctx      context.Context
		store    *storage.Store
		engine   *Engine
		launcher *fakeLauncher
		oldest   string
	)

	write := func(name string, size int64, age time.Duration) string {
		dir := store.StreamDir("camA")
		Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Truncate(size)).To(Succeed())
		Expect(f.Close()).To(Succeed())
		mtime := t0.Add(-age)
		Expect(os.Chtimes(path, mtime, mtime)).To(Succeed())
		return path
	}

	camAUsage := func() int64 {
		u, err := store.StreamUsage("camA")
		Expect(err).NotTo(HaveOccurred())
		return u.SizeBytes
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		store, err = storage.NewStore(GinkgoT().TempDir(), ".mp4", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		quota := int64(500)
		strategy := string(policy.OldestFirst)
		resolver := policy.NewResolver(
			policy.Policy{MaxAge: 7 * policy.Day, Enabled: true, AutoRecord: true},
			map[string]policy.Override{"camA": {MaxSpaceMB: &quota, RotationStrategy: &strategy}},
		)

		launcher = &fakeLauncher{}
		engine = New(Options{
			Store:    store,
			Policies: resolver,
			Launcher: launcher,
			Journal:  journal.NewMemory(0),
			Metrics:  metrics.New(),
			Clock:    clockwork.NewFakeClockAt(t0),
			Logger:   zap.NewNop(),
		})
		DeferCleanup(func() {
			Expect(engine.Shutdown(context.Background())).To(Succeed())
		})

		oldest = write("camA_old.mp4", 200*mb, 10*policy.Day)
		write("camA_mid.mp4", 200*mb, policy.Day)
		write("camA_new.mp4", 150*mb, 2*time.Hour)
		Expect(camAUsage()).To(Equal(int64(550 * mb)))
	})

	Context("when the disk-space check runs first", func() {
		It("deletes only the oldest file and leaves the age sweep nothing to do", func() {
			rotated, err := engine.enforcer.EnforceQuotas(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rotated.Deleted).To(HaveLen(1))
			Expect(rotated.Deleted[0].Path).To(Equal(oldest))
			Expect(camAUsage()).To(Equal(int64(350 * mb)))

			expired, err := engine.enforcer.SweepExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(expired.Deleted).To(BeEmpty())
		})
	})

	Context("when the age sweep runs first", func() {
		It("expires the 10-day file and the quota is then already met", func() {
			expired, err := engine.enforcer.SweepExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(expired.Deleted).To(HaveLen(1))

			rotated, err := engine.enforcer.EnforceQuotas(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rotated.Deleted).To(BeEmpty())
			Expect(camAUsage()).To(Equal(int64(350 * mb)))
		})
	})

	Context("when both sweeps race", func() {
		It("tolerates the oldest file already being gone", func() {
			var wg sync.WaitGroup
			errs := make([]error, 2)
			wg.Add(2)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, errs[0] = engine.enforcer.EnforceQuotas(ctx)
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, errs[1] = engine.enforcer.SweepExpired(ctx)
			}()
			wg.Wait()

			Expect(errs[0]).NotTo(HaveOccurred())
			Expect(errs[1]).NotTo(HaveOccurred())
			Expect(oldest).NotTo(BeAnExistingFile())
			Expect(camAUsage()).To(Equal(int64(350 * mb)))
		})
	})

	Context("when camA is being recorded", func() {
		It("never deletes the active file even if the quota cannot be met", func() {
			info, err := engine.RequestStart(ctx, "camA", "rtmp://localhost:1936/live/camA")
			Expect(err).NotTo(HaveOccurred())
			Expect(launcher.launched()).To(Equal(1))

			// the recording has grown past the quota on its own
			Expect(os.WriteFile(info.FilePath, nil, 0o644)).To(Succeed())
			Expect(os.Truncate(info.FilePath, 600*mb)).To(Succeed())
			stale := t0.Add(-30 * policy.Day)
			Expect(os.Chtimes(info.FilePath, stale, stale)).To(Succeed())

			report, err := engine.RunCleanupNow(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.FilePath).To(BeAnExistingFile())
			Expect(strings.Join(report.Errors, "\n")).To(ContainSubstring("quota cannot be satisfied"))
			Expect(report.Usage.Streams["camA"].SizeBytes).To(Equal(int64(600 * mb)))
		})
	})
})

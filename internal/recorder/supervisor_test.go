package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"streamvault/internal/domain"
	"streamvault/internal/journal"
	"streamvault/internal/metrics"
	"streamvault/internal/policy"
	"streamvault/internal/retention"
	"streamvault/internal/storage"
)

var startTime = time.Date(2026, 10, 19, 8, 30, 0, 123_000_000, time.UTC)

type fixture struct {
	sup      *Supervisor
	store    *storage.Store
	launcher *fakeLauncher
	journal  *journal.Memory
	sessions *SessionStore
	enforcer *retention.Enforcer
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, global policy.Policy, overrides map[string]policy.Override) *fixture {
	t.Helper()
	store, err := storage.NewStore(t.TempDir(), ".mp4", zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		launcher: &fakeLauncher{},
		journal:  journal.NewMemory(0),
		sessions: NewSessionStore(),
		clock:    clockwork.NewFakeClockAt(startTime),
	}
	resolver := policy.NewResolver(global, overrides)
	m := metrics.New()
	enforcer := retention.NewEnforcer(store, resolver, f.sessions, f.journal, m, f.clock.Now, zap.NewNop())
	f.enforcer = enforcer
	f.sup = NewSupervisor(Options{
		Store:    store,
		Policies: resolver,
		Launcher: f.launcher,
		Sessions: f.sessions,
		Quota:    enforcer,
		Journal:  f.journal,
		Metrics:  m,
		Clock:    f.clock,
		Logger:   zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.sup.Shutdown(ctx)
	})
	return f
}

func (f *fixture) kinds(t *testing.T, streamID string) []domain.EventKind {
	t.Helper()
	events, err := f.journal.List(context.Background(), streamID, 0)
	require.NoError(t, err)
	var kinds []domain.EventKind
	for i := len(events) - 1; i >= 0; i-- {
		kinds = append(kinds, events[i].Kind)
	}
	return kinds
}

var enabled = policy.Policy{Enabled: true}

func TestSupervisor_Start(t *testing.T) {
	f := newFixture(t, enabled, nil)

	info, err := f.sup.Start(context.Background(), "camA", "rtmp://localhost/live/camA")
	require.NoError(t, err)

	wantPath := filepath.Join(f.store.StreamDir("camA"), "camA_2026-10-19T08-30-00-123Z.mp4")
	assert.Equal(t, wantPath, info.FilePath)
	assert.Equal(t, "camA", info.StreamID)
	assert.Equal(t, 1000, info.Pid)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, startTime, info.StartedAt)
	assert.DirExists(t, f.store.StreamDir("camA"))

	require.Equal(t, 1, f.launcher.launched())
	assert.Equal(t, "rtmp://localhost/live/camA", f.launcher.specs[0].SourceURL)
	assert.Equal(t, wantPath, f.launcher.specs[0].OutputPath)

	assert.True(t, f.sup.InUse().Has(wantPath))
	assert.Len(t, f.sup.Sessions(), 1)
	assert.Equal(t, []domain.EventKind{domain.EventStarted}, f.kinds(t, "camA"))
}

func TestSupervisor_StartRejections(t *testing.T) {
	off := false
	tests := []struct {
		name      string
		streamID  string
		overrides map[string]policy.Override
		launchErr error
		want      error
	}{
		{"disabled", "camA", map[string]policy.Override{"camA": {Enabled: &off}}, nil, domain.ErrRecordingDisabled},
		{"launch failure", "camA", nil, errNoBinary, domain.ErrProcessLaunchFailed},
		{"traversal", "../etc", nil, nil, domain.ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, enabled, tt.overrides)
			f.launcher.err = tt.launchErr

			_, err := f.sup.Start(context.Background(), tt.streamID, "rtmp://x")
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.sup.Sessions())
			assert.Empty(t, f.sup.InUse())
		})
	}
}

func TestSupervisor_AlreadyRecording(t *testing.T) {
	f := newFixture(t, enabled, nil)
	first, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)

	cur, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	assert.ErrorIs(t, err, domain.ErrAlreadyRecording)
	assert.Equal(t, first.ID, cur.ID)
	assert.Equal(t, 1, f.launcher.launched())
	assert.Equal(t, []domain.EventKind{domain.EventStarted, domain.EventRejected}, f.kinds(t, "camA"))
}

func TestSupervisor_ConcurrentStartsLaunchOnce(t *testing.T) {
	f := newFixture(t, enabled, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.sup.Start(context.Background(), "camA", "rtmp://x"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.launcher.launched())
	assert.Len(t, f.sup.Sessions(), 1)
}

func TestSupervisor_Stop(t *testing.T) {
	f := newFixture(t, enabled, nil)
	f.launcher.hangTerm = true
	info, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)

	stopped, err := f.sup.Stop(context.Background(), "camA")
	require.NoError(t, err)
	assert.Equal(t, info.ID, stopped.ID)
	assert.True(t, f.launcher.proc(0).terminated.Load())
	assert.Empty(t, f.sup.Sessions())

	// the file stays in use until the process has finalized it
	assert.True(t, f.sup.InUse().Has(info.FilePath))
	f.launcher.proc(0).exit(0)
	assert.Eventually(t, func() bool { return len(f.sup.InUse()) == 0 }, time.Second, 5*time.Millisecond)

	_, err = f.sup.Stop(context.Background(), "camA")
	assert.ErrorIs(t, err, domain.ErrStreamNotRecording)
}

func TestSupervisor_UnexpectedExitClearsSession(t *testing.T) {
	f := newFixture(t, enabled, nil)
	_, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)

	f.launcher.proc(0).exit(1)
	assert.Eventually(t, func() bool { return len(f.sup.Sessions()) == 0 }, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		events, _ := f.journal.List(context.Background(), "camA", 1)
		return len(events) == 1 && events[0].Kind == domain.EventExited
	}, time.Second, 5*time.Millisecond)
	events, err := f.journal.List(context.Background(), "camA", 1)
	require.NoError(t, err)
	require.NotNil(t, events[0].ExitCode)
	assert.Equal(t, 1, *events[0].ExitCode)
	assert.Equal(t, "failed", events[0].Detail)

	// no automatic restart, but a new start is accepted
	assert.Equal(t, 1, f.launcher.launched())
	f.clock.Advance(time.Second)
	_, err = f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)
}

func TestSupervisor_LateExitKeepsNewerSession(t *testing.T) {
	f := newFixture(t, enabled, nil)
	f.launcher.hangTerm = true

	_, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)
	_, err = f.sup.Stop(context.Background(), "camA")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	second, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)

	f.launcher.proc(0).exit(255)
	assert.Eventually(t, func() bool { return len(f.sup.InUse()) == 1 }, time.Second, 5*time.Millisecond)

	cur, ok := f.sup.Session("camA")
	require.True(t, ok)
	assert.Equal(t, second.ID, cur.ID)
}

func TestSupervisor_ShutdownKillsStragglers(t *testing.T) {
	f := newFixture(t, enabled, nil)
	f.launcher.hangTerm = true
	for _, id := range []string{"camA", "camB"} {
		_, err := f.sup.Start(context.Background(), id, "rtmp://x")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, f.sup.Shutdown(ctx))

	for i := 0; i < 2; i++ {
		p := f.launcher.proc(i)
		assert.True(t, p.terminated.Load())
		assert.True(t, p.killed.Load())
	}
	assert.Empty(t, f.sup.Sessions())
	assert.Empty(t, f.sup.InUse())
}

func TestSupervisor_ShutdownGraceful(t *testing.T) {
	f := newFixture(t, enabled, nil)
	_, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)

	require.NoError(t, f.sup.Shutdown(context.Background()))
	assert.False(t, f.launcher.proc(0).killed.Load())
}

func TestSupervisor_EvictsBeforeStart(t *testing.T) {
	f := newFixture(t, policy.Policy{Enabled: true, MaxSpaceBytes: 3 * 1024 * 1024}, nil)
	dir := f.store.StreamDir("camA")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	old := filepath.Join(dir, "old.mp4")
	require.NoError(t, os.WriteFile(old, make([]byte, 2*1024*1024), 0o644))
	require.NoError(t, os.Chtimes(old, startTime.Add(-time.Hour), startTime.Add(-time.Hour)))
	newer := filepath.Join(dir, "newer.mp4")
	require.NoError(t, os.WriteFile(newer, make([]byte, 1024*1024), 0o644))
	require.NoError(t, os.Chtimes(newer, startTime.Add(-time.Minute), startTime.Add(-time.Minute)))

	_, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.NoError(t, err)

	assert.NoFileExists(t, old)
	assert.FileExists(t, newer)
}

type startResult struct {
	info domain.SessionInfo
	err  error
}

func (f *fixture) startAsync(streamID string) <-chan startResult {
	res := make(chan startResult, 1)
	go func() {
		info, err := f.sup.Start(context.Background(), streamID, "rtmp://x")
		res <- startResult{info, err}
	}()
	return res
}

func (f *fixture) closing() bool {
	f.sup.mu.Lock()
	defer f.sup.mu.Unlock()
	return f.sup.closed
}

func TestSupervisor_ShutdownWaitsForLaunchInProgress(t *testing.T) {
	f := newFixture(t, enabled, nil)
	entered, release := f.launcher.block()
	started := f.startAsync("camA")
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- f.sup.Shutdown(context.Background()) }()
	require.Eventually(t, f.closing, time.Second, time.Millisecond)

	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while a launch was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	res := <-started
	require.NoError(t, <-shutdown)

	require.ErrorIs(t, res.err, domain.ErrShuttingDown)
	require.Equal(t, 1, f.launcher.launched())
	p := f.launcher.proc(0)
	assert.True(t, p.terminated.Load())
	select {
	case <-p.Done():
	default:
		t.Fatal("process launched during shutdown is still running")
	}
	assert.Empty(t, f.sup.Sessions())
	assert.Empty(t, f.sup.InUse())
}

func TestSupervisor_LaunchDuringShutdownKilledAfterWait(t *testing.T) {
	f := newFixture(t, enabled, nil)
	f.launcher.hangTerm = true
	entered, release := f.launcher.block()
	started := f.startAsync("camA")
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- f.sup.Shutdown(context.Background()) }()
	require.Eventually(t, f.closing, time.Second, time.Millisecond)
	release()

	f.clock.BlockUntil(1)
	assert.False(t, f.launcher.proc(0).killed.Load())
	f.clock.Advance(time.Second)

	res := <-started
	require.ErrorIs(t, res.err, domain.ErrShuttingDown)
	require.NoError(t, <-shutdown)
	p := f.launcher.proc(0)
	assert.True(t, p.terminated.Load())
	assert.True(t, p.killed.Load())
}

func TestSupervisor_StartAfterShutdownRejected(t *testing.T) {
	f := newFixture(t, enabled, nil)
	require.NoError(t, f.sup.Shutdown(context.Background()))

	_, err := f.sup.Start(context.Background(), "camA", "rtmp://x")
	require.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.Equal(t, "shutting_down", domain.Code(err))
	assert.Zero(t, f.launcher.launched())
	assert.Equal(t, []domain.EventKind{domain.EventRejected}, f.kinds(t, "camA"))
}

func TestSupervisor_SweepKeepsDirOfLaunchingRecording(t *testing.T) {
	f := newFixture(t, policy.Policy{Enabled: true, MaxAge: policy.Day}, nil)
	entered, release := f.launcher.block()
	started := f.startAsync("camA")
	<-entered
	require.DirExists(t, f.store.StreamDir("camA"))

	swept := make(chan error, 1)
	go func() {
		_, err := f.enforcer.SweepExpired(context.Background())
		swept <- err
	}()

	select {
	case <-swept:
		t.Fatal("sweep pruned directories while a recording was being set up")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	res := <-started
	require.NoError(t, res.err)
	require.NoError(t, <-swept)
	assert.DirExists(t, f.store.StreamDir("camA"))
	_, ok := f.sup.Session("camA")
	assert.True(t, ok)
}

// Package recording ties stream lifecycle events, the recording supervisor
// and retention together behind one engine.
package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"streamvault/internal/domain"
	"streamvault/internal/metrics"
	"streamvault/internal/policy"
	"streamvault/internal/recorder"
	"streamvault/internal/retention"
	"streamvault/internal/scheduler"
	"streamvault/internal/storage"
)

const (
	DefaultStartDelay          = 2 * time.Second
	DefaultCheckInterval       = 60 * time.Minute
	DefaultCleanupInterval     = 24 * time.Hour
	DefaultCleanupInitialDelay = 10 * time.Second

	journalTimeout = 5 * time.Second
)

// Options wires an Engine. Journal, Metrics, Clock and Logger are optional.
type Options struct {
	Store    *storage.Store
	Policies *policy.Resolver
	Launcher recorder.Launcher
	Journal  domain.Journal
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Logger   *zap.Logger

	StartDelay          time.Duration
	CheckInterval       time.Duration
	CleanupInterval     time.Duration
	CleanupInitialDelay time.Duration
}

// CleanupReport is the outcome of an on-demand cleanup.
type CleanupReport struct {
	Expired retention.Result   `json:"expired"`
	Rotated retention.Result   `json:"rotated"`
	Usage   domain.UsageReport `json:"usage"`
	Errors  []string           `json:"errors,omitempty"`
}

// Engine is the entry point for stream events, API requests and the
// periodic retention tasks.
type Engine struct {
	store      *storage.Store
	policies   *policy.Resolver
	supervisor *recorder.Supervisor
	enforcer   *retention.Enforcer
	scheduler  *scheduler.Scheduler
	journal    domain.Journal
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	logger     *zap.Logger
	startDelay time.Duration

	// base outlives individual requests; delayed starts run under it
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingStart
	closed  bool
}

// pendingStart stays in Engine.pending until its Supervisor.Start returns,
// so a stop notification arriving mid-launch is never lost.
type pendingStart struct {
	timer     clockwork.Timer // nil without a start delay
	sourceURL string
	launching bool
}

func (p *pendingStart) cancel() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StartDelay < 0 {
		opts.StartDelay = 0
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	sessions := recorder.NewSessionStore()
	enforcer := retention.NewEnforcer(opts.Store, opts.Policies, sessions, opts.Journal, opts.Metrics, opts.Clock.Now, opts.Logger)
	supervisor := recorder.NewSupervisor(recorder.Options{
		Store:    opts.Store,
		Policies: opts.Policies,
		Launcher: opts.Launcher,
		Sessions: sessions,
		Quota:    enforcer,
		Journal:  opts.Journal,
		Metrics:  opts.Metrics,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})

	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      opts.Store,
		policies:   opts.Policies,
		supervisor: supervisor,
		enforcer:   enforcer,
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("engine"),
		startDelay: opts.StartDelay,
		base:       base,
		cancel:     cancel,
		pending:    make(map[string]*pendingStart),
	}
	e.scheduler = scheduler.New(opts.Clock, opts.Logger,
		scheduler.Task{Name: "disk-check", Interval: opts.CheckInterval, Run: e.checkDiskSpace},
		scheduler.Task{Name: "age-sweep", Interval: opts.CleanupInterval, InitialDelay: opts.CleanupInitialDelay, Run: e.sweepExpired},
	)
	return e
}

// Start launches the periodic retention tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting retention tasks")
	return e.scheduler.Start(ctx)
}

// Shutdown cancels pending starts, stops the retention tasks and ends every
// recording, killing those still running when ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for id, p := range e.pending {
		p.cancel()
		delete(e.pending, id)
	}
	e.mu.Unlock()

	e.cancel()
	e.scheduler.Stop()
	return e.supervisor.Shutdown(ctx)
}

// OnStreamStarted reacts to a stream going live. When the stream's policy
// allows automatic recording, the recording starts after the start delay.
func (e *Engine) OnStreamStarted(streamID, sourceURL string) {
	log := e.logger.With(zap.String("stream", streamID))
	p := e.policies.Resolve(streamID)
	if !p.AutoRecord {
		log.Info("stream published, automatic recording is off")
		return
	}
	if !p.Enabled {
		log.Info("stream published, recording is disabled")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.pending[streamID]; ok {
		log.Debug("recording start already scheduled")
		return
	}
	if _, ok := e.supervisor.Session(streamID); ok {
		log.Debug("stream already being recorded")
		return
	}

	ps := &pendingStart{sourceURL: sourceURL}
	e.pending[streamID] = ps
	if e.startDelay == 0 {
		go e.startScheduled(streamID, sourceURL, ps)
		return
	}
	ps.timer = e.clock.AfterFunc(e.startDelay, func() { e.startScheduled(streamID, sourceURL, ps) })
	log.Info("recording scheduled", zap.Duration("delay", e.startDelay))
}

func (e *Engine) startScheduled(streamID, sourceURL string, ps *pendingStart) {
	log := e.logger.With(zap.String("stream", streamID))

	e.mu.Lock()
	if e.closed || e.pending[streamID] != ps {
		// cancelled by OnStreamStopped, RequestStart or Shutdown
		e.mu.Unlock()
		return
	}
	ps.launching = true
	e.mu.Unlock()

	info, err := e.supervisor.Start(e.base, streamID, sourceURL)

	e.mu.Lock()
	cancelled := e.pending[streamID] != ps
	if !cancelled {
		delete(e.pending, streamID)
	}
	e.mu.Unlock()

	if err != nil {
		log.Warn("automatic recording not started", zap.Error(err))
		return
	}
	if !cancelled {
		return
	}
	// the stream went offline while the recording was launching
	if cur, ok := e.supervisor.Session(streamID); ok && cur.ID == info.ID {
		log.Info("stream stopped during launch, stopping recording", zap.String("session", info.ID))
		if _, err := e.supervisor.Stop(e.base, streamID); err != nil && !errors.Is(err, domain.ErrStreamNotRecording) {
			log.Warn("failed to stop recording", zap.Error(err))
		}
	}
}

// OnStreamStopped reacts to a stream going offline: a scheduled start is
// cancelled and an active recording is stopped.
func (e *Engine) OnStreamStopped(streamID string) {
	e.mu.Lock()
	if p, ok := e.pending[streamID]; ok {
		p.cancel()
		delete(e.pending, streamID)
		e.logger.Info("scheduled recording cancelled", zap.String("stream", streamID))
	}
	e.mu.Unlock()

	_, err := e.supervisor.Stop(e.base, streamID)
	if err != nil && !errors.Is(err, domain.ErrStreamNotRecording) {
		e.logger.Warn("failed to stop recording", zap.String("stream", streamID), zap.Error(err))
	}
}

// RequestStart starts a recording on demand. It ignores AutoRecord but not
// Enabled.
func (e *Engine) RequestStart(ctx context.Context, streamID, sourceURL string) (domain.SessionInfo, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.SessionInfo{}, fmt.Errorf("%w: %s", domain.ErrShuttingDown, streamID)
	}
	// a delayed start that is already launching is left alone; this request
	// then reports already_recording
	if p, ok := e.pending[streamID]; ok && !p.launching {
		p.cancel()
		delete(e.pending, streamID)
	}
	e.mu.Unlock()
	return e.supervisor.Start(ctx, streamID, sourceURL)
}

// RequestStop stops the recording of streamID on demand.
func (e *Engine) RequestStop(ctx context.Context, streamID string) (domain.SessionInfo, error) {
	return e.supervisor.Stop(ctx, streamID)
}

// IsPending reports whether a delayed start is waiting for streamID.
func (e *Engine) IsPending(streamID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[streamID]
	return ok && !p.launching
}

// ListRecordings returns the recordings of streamID, newest first.
func (e *Engine) ListRecordings(streamID string) ([]domain.RecordingFile, error) {
	files, err := e.store.ListNewestFirst(streamID)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []domain.RecordingFile{}
	}
	return files, nil
}

// DeleteRecording removes one finished recording.
func (e *Engine) DeleteRecording(ctx context.Context, streamID, name string) error {
	if storage.ValidateName(streamID) != nil || storage.ValidateName(name) != nil {
		return fmt.Errorf("%w: %s/%s", domain.ErrFileNotFound, streamID, name)
	}
	path := filepath.Join(e.store.StreamDir(streamID), name)
	if e.supervisor.InUse().Has(path) {
		return fmt.Errorf("%w: %s", domain.ErrFileInUse, name)
	}

	var size int64
	files, err := e.store.ListFiles(streamID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Name == name {
			size = f.SizeBytes
			break
		}
	}

	if err := e.store.Remove(streamID, name); err != nil {
		return err
	}
	e.metrics.AddDeleted("manual", size)
	e.logger.Info("recording deleted", zap.String("stream", streamID), zap.String("file", name))
	e.record(ctx, domain.Event{StreamID: streamID, Kind: domain.EventDeleted, FilePath: path, At: e.clock.Now()})
	return nil
}

// GetUsageReport recomputes disk usage from the filesystem.
func (e *Engine) GetUsageReport() (domain.UsageReport, error) {
	report, err := e.store.Usage(e.policies.MaxSpace)
	if err != nil {
		return report, err
	}
	for id, u := range report.Streams {
		e.metrics.SetStreamBytes(id, u.SizeBytes)
	}
	vol, err := e.store.Volume()
	if err != nil {
		e.logger.Warn("failed to read volume statistics", zap.Error(err))
	} else {
		report.Volume = vol
	}
	return report, nil
}

// RunCleanupNow runs the age sweep and the quota check immediately and
// returns the resulting usage.
func (e *Engine) RunCleanupNow(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	var errs error

	expired, err := e.enforcer.SweepExpired(ctx)
	report.Expired = expired
	errs = multierr.Append(errs, err)

	rotated, err := e.enforcer.EnforceQuotas(ctx)
	report.Rotated = rotated
	errs = multierr.Append(errs, err)

	for _, err := range multierr.Errors(errs) {
		report.Errors = append(report.Errors, err.Error())
	}

	usage, err := e.GetUsageReport()
	if err != nil {
		return report, err
	}
	report.Usage = usage
	return report, nil
}

// ActiveSessions returns the sessions currently recording.
func (e *Engine) ActiveSessions() []domain.SessionInfo {
	return e.supervisor.Sessions()
}

// Policy returns the effective policy of streamID.
func (e *Engine) Policy(streamID string) policy.Policy {
	return e.policies.Resolve(streamID)
}

// GlobalPolicy returns the default policy.
func (e *Engine) GlobalPolicy() policy.Policy {
	return e.policies.Global()
}

// History returns the journal entries of streamID, newest first.
func (e *Engine) History(ctx context.Context, streamID string, limit int) ([]domain.Event, error) {
	if e.journal == nil {
		return []domain.Event{}, nil
	}
	return e.journal.List(ctx, streamID, limit)
}

func (e *Engine) checkDiskSpace(ctx context.Context) {
	res, err := e.enforcer.EnforceQuotas(ctx)
	if err != nil {
		e.logger.Warn("disk space check finished with errors", zap.Error(err))
	}
	if len(res.Deleted) > 0 {
		e.logger.Info("disk space reclaimed", zap.Int("files", len(res.Deleted)), zap.Int64("bytes", res.ReclaimedBytes))
	}
}

func (e *Engine) sweepExpired(ctx context.Context) {
	if _, err := e.enforcer.SweepExpired(ctx); err != nil {
		e.logger.Warn("cleanup finished with errors", zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, ev domain.Event) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.journal.Record(ctx, ev); err != nil {
		e.logger.Warn("failed to journal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

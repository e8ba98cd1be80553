// Package recorder owns the recording processes: it starts at most one per
// stream, watches them until they exit and stops them on request.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"streamvault/internal/domain"
	"streamvault/internal/metrics"
	"streamvault/internal/retention"
	"streamvault/internal/storage"
)

const (
	journalTimeout = 5 * time.Second
	killWait       = time.Second
)

// SpaceReserver frees space for a stream before a new recording starts.
type SpaceReserver interface {
	ReserveSpace(ctx context.Context, streamID string) (retention.Result, error)
}

// Options wires a Supervisor. Journal, Metrics, Quota and Clock are optional.
type Options struct {
	Store    *storage.Store
	Policies storage.PolicySource
	Launcher Launcher
	Sessions *SessionStore
	Quota    SpaceReserver
	Journal  domain.Journal
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Supervisor starts and stops recording sessions.
type Supervisor struct {
	store    *storage.Store
	policies storage.PolicySource
	launcher Launcher
	sessions *SessionStore
	quota    SpaceReserver
	journal  domain.Journal
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   *zap.Logger

	// locks serializes start and stop per stream
	locks sync.Map

	// mu guards closed and the Add calls on launches and watches
	mu       sync.Mutex
	closed   bool
	launches sync.WaitGroup
	watches  sync.WaitGroup
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Sessions == nil {
		opts.Sessions = NewSessionStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Supervisor{
		store:    opts.Store,
		policies: opts.Policies,
		launcher: opts.Launcher,
		sessions: opts.Sessions,
		quota:    opts.Quota,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("supervisor"),
	}
}

func (s *Supervisor) lock(streamID string) func() {
	v, _ := s.locks.LoadOrStore(streamID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Start launches a recording of sourceURL for streamID.
func (s *Supervisor) Start(ctx context.Context, streamID, sourceURL string) (domain.SessionInfo, error) {
	if err := storage.ValidateName(streamID); err != nil {
		return domain.SessionInfo{}, err
	}

	unlock := s.lock(streamID)
	defer unlock()

	if !s.beginLaunch() {
		return domain.SessionInfo{}, s.reject(ctx, streamID, fmt.Errorf("%w: %s", domain.ErrShuttingDown, streamID))
	}
	defer s.launches.Done()

	if cur, ok := s.sessions.Get(streamID); ok {
		return cur.Info(), s.reject(ctx, streamID, fmt.Errorf("%w: %s", domain.ErrAlreadyRecording, streamID))
	}

	p := s.policies.Resolve(streamID)
	if !p.Enabled {
		return domain.SessionInfo{}, s.reject(ctx, streamID, fmt.Errorf("%w: %s", domain.ErrRecordingDisabled, streamID))
	}

	endSetup := s.sessions.beginSetup()
	defer endSetup()

	dir, err := s.store.EnsureStreamDir(streamID)
	if err != nil {
		return domain.SessionInfo{}, s.reject(ctx, streamID, err)
	}

	if s.quota != nil {
		if _, err := s.quota.ReserveSpace(ctx, streamID); err != nil {
			// the recording still starts; the periodic check retries the eviction
			s.logger.Warn("could not free space before recording",
				zap.String("stream", streamID), zap.Error(err))
		}
	}

	startedAt := s.clock.Now()
	path, err := UniquePath(dir, RenderFilename(p.FilenameTemplate, streamID, startedAt, s.store.Ext()))
	if err != nil {
		return domain.SessionInfo{}, s.reject(ctx, streamID, fmt.Errorf("%w: %v", domain.ErrFilesystem, err))
	}

	output := s.logger.Named("ffmpeg").With(zap.String("stream", streamID))
	proc, err := s.launcher.Launch(LaunchSpec{
		StreamID:   streamID,
		SourceURL:  sourceURL,
		OutputPath: path,
		Output:     func(line string) { output.Debug(line) },
	})
	if err != nil {
		return domain.SessionInfo{}, s.reject(ctx, streamID, fmt.Errorf("%w: %v", domain.ErrProcessLaunchFailed, err))
	}

	sess := &Session{
		info: domain.SessionInfo{
			ID:        uuid.NewString(),
			StreamID:  streamID,
			SourceURL: sourceURL,
			FilePath:  path,
			StartedAt: startedAt,
			Pid:       proc.Pid(),
		},
		proc: proc,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.discard(streamID, proc)
		return domain.SessionInfo{}, s.reject(ctx, streamID, fmt.Errorf("%w: %s", domain.ErrShuttingDown, streamID))
	}
	s.sessions.Add(sess)
	s.watches.Add(1)
	s.mu.Unlock()

	s.metrics.IncRecordingsStarted()
	s.metrics.SetActiveRecordings(s.sessions.Len())
	go s.watch(sess)

	s.logger.Info("recording started",
		zap.String("stream", streamID),
		zap.String("session", sess.info.ID),
		zap.String("file", path),
		zap.Int("pid", sess.info.Pid),
	)
	s.record(ctx, domain.Event{SessionID: sess.info.ID, StreamID: streamID, Kind: domain.EventStarted, FilePath: path, Detail: sourceURL, At: startedAt})
	return sess.Info(), nil
}

// beginLaunch registers an in-flight start. It reports false once Shutdown
// has begun.
func (s *Supervisor) beginLaunch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.launches.Add(1)
	return true
}

// discard ends a process launched after Shutdown began.
func (s *Supervisor) discard(streamID string, proc Process) {
	s.logger.Warn("recording launched during shutdown, terminating it",
		zap.String("stream", streamID), zap.Int("pid", proc.Pid()))
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("failed to signal recording process", zap.String("stream", streamID), zap.Error(err))
	}
	select {
	case <-proc.Done():
		return
	case <-s.clock.After(killWait):
	}
	if err := proc.Kill(); err != nil {
		s.logger.Warn("failed to kill recording process", zap.String("stream", streamID), zap.Error(err))
	}
	<-proc.Done()
}

// Stop asks the recording of streamID to finish and removes it from the
// active set right away. The process finalizes its file in the background.
func (s *Supervisor) Stop(ctx context.Context, streamID string) (domain.SessionInfo, error) {
	unlock := s.lock(streamID)
	defer unlock()

	sess, ok := s.sessions.Get(streamID)
	if !ok {
		return domain.SessionInfo{}, fmt.Errorf("%w: %s", domain.ErrStreamNotRecording, streamID)
	}
	sess.stopped.Store(true)
	s.sessions.Detach(streamID)
	s.metrics.SetActiveRecordings(s.sessions.Len())

	if err := sess.proc.Terminate(); err != nil {
		s.logger.Warn("failed to signal recording process", zap.String("stream", streamID), zap.Error(err))
	}
	s.logger.Info("recording stopped", zap.String("stream", streamID), zap.String("session", sess.info.ID))
	s.record(ctx, domain.Event{SessionID: sess.info.ID, StreamID: streamID, Kind: domain.EventStopped, FilePath: sess.info.FilePath, At: s.clock.Now()})
	return sess.Info(), nil
}

// Sessions returns the active sessions.
func (s *Supervisor) Sessions() []domain.SessionInfo {
	return s.sessions.List()
}

// Session returns the active session of streamID.
func (s *Supervisor) Session(streamID string) (domain.SessionInfo, bool) {
	sess, ok := s.sessions.Get(streamID)
	if !ok {
		return domain.SessionInfo{}, false
	}
	return sess.Info(), true
}

// InUse returns the paths of the files still being written.
func (s *Supervisor) InUse() storage.PathSet {
	return s.sessions.InUse()
}

// Shutdown terminates every recording, waits for the processes to exit until
// ctx is done and kills whatever is left. Starts already launching are waited
// for; new ones are rejected with ErrShuttingDown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var errs error
	launched := waitChan(&s.launches)
	select {
	case <-launched:
	case <-ctx.Done():
		// late launches terminate their own process, see discard
		s.logger.Warn("recordings still launching at shutdown deadline")
	}

	all := s.sessions.all()
	if len(all) > 0 {
		s.logger.Info("stopping all recordings", zap.Int("count", len(all)))
	}
	for _, sess := range all {
		sess.stopped.Store(true)
		if err := sess.proc.Terminate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("terminate %s: %w", sess.info.StreamID, err))
		}
	}

	for _, sess := range all {
		select {
		case <-sess.proc.Done():
		case <-ctx.Done():
			s.logger.Warn("recording did not exit in time, killing it",
				zap.String("stream", sess.info.StreamID), zap.Int("pid", sess.info.Pid))
			if err := sess.proc.Kill(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("kill %s: %w", sess.info.StreamID, err))
			}
		}
	}

	watched := waitChan(&s.watches)
	timeout := s.clock.After(killWait)
	for _, done := range []<-chan struct{}{watched, launched} {
		select {
		case <-done:
		case <-timeout:
			return multierr.Append(errs, errors.New("recording processes still running after kill"))
		}
	}
	return errs
}

func waitChan(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// watch waits for the process of sess to exit and forgets the session.
func (s *Supervisor) watch(sess *Session) {
	defer s.watches.Done()
	<-sess.proc.Done()

	code := sess.proc.ExitCode()
	s.sessions.Release(sess)
	s.metrics.SetActiveRecordings(s.sessions.Len())

	fields := []zap.Field{
		zap.String("stream", sess.info.StreamID),
		zap.String("session", sess.info.ID),
		zap.Int("exit_code", code),
	}
	var outcome string
	switch {
	case sess.stopped.Load():
		outcome = "stopped"
		s.logger.Info("recording process exited", fields...)
	case code == 0:
		outcome = "completed"
		s.logger.Info("recording process finished", fields...)
	default:
		outcome = "failed"
		s.logger.Warn("recording process exited unexpectedly", fields...)
	}
	s.metrics.IncProcessExits(outcome)

	s.record(context.Background(), domain.Event{
		SessionID: sess.info.ID,
		StreamID:  sess.info.StreamID,
		Kind:      domain.EventExited,
		FilePath:  sess.info.FilePath,
		ExitCode:  &code,
		Detail:    outcome,
		At:        s.clock.Now(),
	})
}

func (s *Supervisor) reject(ctx context.Context, streamID string, err error) error {
	code := domain.Code(err)
	s.metrics.IncRejections(code)
	s.logger.Info("recording start rejected", zap.String("stream", streamID), zap.String("reason", code), zap.Error(err))
	s.record(ctx, domain.Event{StreamID: streamID, Kind: domain.EventRejected, Detail: code, At: s.clock.Now()})
	return err
}

func (s *Supervisor) record(ctx context.Context, ev domain.Event) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := s.journal.Record(ctx, ev); err != nil {
		s.logger.Warn("failed to journal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

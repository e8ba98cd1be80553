// Package retention enforces per-stream space quotas and maximum file age.
package retention

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"streamvault/internal/domain"
	"streamvault/internal/metrics"
	"streamvault/internal/storage"
)

const (
	reasonRotation = "rotation"
	reasonExpiry   = "expiry"

	// maxRounds bounds the re-check loop of one quota enforcement.
	maxRounds = 16

	journalTimeout = 5 * time.Second
)

// ActiveFiles reports the recordings currently being written.
type ActiveFiles interface {
	InUse() storage.PathSet
	// LockDirs holds off recordings being set up until unlock is called.
	LockDirs() (unlock func())
}

// Result summarizes the files removed by one enforcement or sweep.
type Result struct {
	Deleted        []domain.RecordingFile `json:"deleted"`
	ReclaimedBytes int64                  `json:"reclaimed_bytes"`
}

func (r *Result) add(f domain.RecordingFile) {
	r.Deleted = append(r.Deleted, f)
	r.ReclaimedBytes += f.SizeBytes
}

func (r *Result) merge(o Result) {
	r.Deleted = append(r.Deleted, o.Deleted...)
	r.ReclaimedBytes += o.ReclaimedBytes
}

// Enforcer deletes recordings to keep streams within their policy.
// It works only from the filesystem snapshot at call time and never touches a
// file that an active session is writing.
type Enforcer struct {
	store    *storage.Store
	rotator  *storage.Rotator
	policies storage.PolicySource
	active   ActiveFiles
	journal  domain.Journal
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *zap.Logger
}

// NewEnforcer wires an Enforcer. journal and m may be nil.
func NewEnforcer(store *storage.Store, policies storage.PolicySource, active ActiveFiles, journal domain.Journal, m *metrics.Metrics, now func() time.Time, logger *zap.Logger) *Enforcer {
	if now == nil {
		now = time.Now
	}
	inUse := func() storage.PathSet {
		if active == nil {
			return nil
		}
		return active.InUse()
	}
	return &Enforcer{
		store:    store,
		rotator:  storage.NewRotator(store, policies, inUse, now),
		policies: policies,
		active:   active,
		journal:  journal,
		metrics:  m,
		now:      now,
		logger:   logger.Named("retention"),
	}
}

// EnforceQuota brings streamID back to or below its space quota. It is a
// no-op for streams without a quota or within it.
func (e *Enforcer) EnforceQuota(ctx context.Context, streamID string) (Result, error) {
	return e.enforce(ctx, streamID, false)
}

// ReserveSpace is the pre-start check: a stream that has reached its quota is
// rotated until it is strictly below it, so the new recording starts with
// room to grow.
func (e *Enforcer) ReserveSpace(ctx context.Context, streamID string) (Result, error) {
	return e.enforce(ctx, streamID, true)
}

func (e *Enforcer) enforce(ctx context.Context, streamID string, reserve bool) (Result, error) {
	var result Result
	maxSpace := e.policies.Resolve(streamID).MaxSpaceBytes
	if maxSpace <= 0 {
		return result, nil
	}
	target := maxSpace
	if reserve {
		target = maxSpace - 1
	}

	for round := 0; round < maxRounds; round++ {
		usage, err := e.store.StreamUsage(streamID)
		if err != nil {
			return result, err
		}
		e.metrics.SetStreamBytes(streamID, usage.SizeBytes)
		if usage.SizeBytes <= target {
			return result, nil
		}

		e.logger.Info("stream over quota, applying rotation",
			zap.String("stream", streamID),
			zap.Int64("size_mb", usage.SizeMB),
			zap.Int64("max_space_mb", domain.ToMB(maxSpace)),
		)

		victims, selErr := e.rotator.SelectForSpaceReclaim(streamID, target)
		if len(victims) == 0 {
			if selErr == nil {
				selErr = fmt.Errorf("%w: no deletable files for %s", domain.ErrQuotaUnsatisfiable, streamID)
			}
			return result, selErr
		}

		progressed := false
		var errs error
		for _, v := range victims {
			ok, err := e.remove(ctx, streamID, v, reasonRotation)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if ok {
				result.add(v)
			}
			progressed = true
		}
		if !progressed {
			return result, errs
		}
		if selErr != nil {
			return result, multierr.Append(errs, selErr)
		}
		if errs != nil {
			e.logger.Warn("rotation skipped files", zap.String("stream", streamID), zap.Error(errs))
		}
	}
	return result, fmt.Errorf("%w: %s still over quota after %d rounds", domain.ErrQuotaUnsatisfiable, streamID, maxRounds)
}

// EnforceQuotas runs quota enforcement for every stream with recordings.
// A failing stream is logged and the pass continues with the next one.
func (e *Enforcer) EnforceQuotas(ctx context.Context) (Result, error) {
	var result Result
	e.logger.Info("checking disk space")

	streams, err := e.store.Streams()
	if err != nil {
		e.metrics.IncSweepErrors(reasonRotation)
		return result, err
	}

	var errs error
	for _, id := range streams {
		if ctx.Err() != nil {
			return result, multierr.Append(errs, ctx.Err())
		}
		usage, err := e.store.StreamUsage(id)
		if err != nil {
			e.metrics.IncSweepErrors(reasonRotation)
			errs = multierr.Append(errs, err)
			continue
		}
		e.metrics.SetStreamBytes(id, usage.SizeBytes)

		maxSpace := e.policies.Resolve(id).MaxSpaceBytes
		if usage.SizeBytes == 0 || maxSpace == 0 || usage.SizeBytes <= maxSpace {
			continue
		}

		r, err := e.EnforceQuota(ctx, id)
		result.merge(r)
		if err != nil {
			e.metrics.IncSweepErrors(reasonRotation)
			e.logger.Warn("quota enforcement incomplete", zap.String("stream", id), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("stream %s: %w", id, err))
		}
	}
	return result, errs
}

// SweepExpired deletes every recording older than its stream's max age, then
// removes directories left empty. Directories of active sessions are kept.
func (e *Enforcer) SweepExpired(ctx context.Context) (Result, error) {
	var result Result
	e.logger.Info("starting cleanup of expired recordings")

	streams, err := e.store.Streams()
	if err != nil {
		e.metrics.IncSweepErrors(reasonExpiry)
		return result, err
	}

	now := e.now()
	var errs error
	for _, id := range streams {
		if ctx.Err() != nil {
			return result, multierr.Append(errs, ctx.Err())
		}
		expired, err := e.rotator.SelectExpired(id, now)
		if err != nil {
			e.metrics.IncSweepErrors(reasonExpiry)
			errs = multierr.Append(errs, err)
			continue
		}

		removed := 0
		for _, f := range expired {
			ok, err := e.remove(ctx, id, f, reasonExpiry)
			if err != nil {
				e.metrics.IncSweepErrors(reasonExpiry)
				errs = multierr.Append(errs, err)
				continue
			}
			if ok {
				result.add(f)
				removed++
			}
		}
		if removed > 0 {
			e.logger.Info("expired recordings removed", zap.String("stream", id), zap.Int("count", removed))
		}
	}

	dirs, err := e.pruneEmptyDirs()
	if err != nil {
		e.metrics.IncSweepErrors(reasonExpiry)
		errs = multierr.Append(errs, err)
	}
	for _, d := range dirs {
		e.logger.Info("empty directory removed", zap.String("dir", d))
	}

	e.logger.Info("cleanup finished", zap.Int("deleted", len(result.Deleted)), zap.Int64("reclaimed_bytes", result.ReclaimedBytes))
	return result, errs
}

// pruneEmptyDirs removes empty directories while no recording is being set
// up, keeping those of active sessions.
func (e *Enforcer) pruneEmptyDirs() ([]string, error) {
	if e.active != nil {
		unlock := e.active.LockDirs()
		defer unlock()
	}
	return e.store.PruneEmptyDirs(e.activeDirs())
}

func (e *Enforcer) activeDirs() map[string]struct{} {
	dirs := map[string]struct{}{}
	if e.active == nil {
		return dirs
	}
	for path := range e.active.InUse() {
		dirs[filepath.Clean(filepath.Dir(path))] = struct{}{}
	}
	return dirs
}

// remove deletes f. A file that is already gone is not an error; it reports
// false so callers do not count it twice.
func (e *Enforcer) remove(ctx context.Context, streamID string, f domain.RecordingFile, reason string) (bool, error) {
	err := e.store.RemovePath(f.Path)
	if errors.Is(err, domain.ErrFileNotFound) {
		e.logger.Debug("file already removed", zap.String("path", f.Path))
		return false, nil
	}
	if err != nil {
		e.logger.Error("failed to remove recording", zap.String("stream", streamID), zap.String("path", f.Path), zap.Error(err))
		return false, err
	}

	e.logger.Info("recording removed",
		zap.String("stream", streamID),
		zap.String("path", f.Path),
		zap.String("reason", reason),
		zap.Int64("size_bytes", f.SizeBytes),
	)
	e.metrics.AddDeleted(reason, f.SizeBytes)

	kind := domain.EventRotated
	if reason == reasonExpiry {
		kind = domain.EventExpired
	}
	e.record(ctx, domain.Event{StreamID: streamID, Kind: kind, FilePath: f.Path, At: e.now()})
	return true, nil
}

func (e *Enforcer) record(ctx context.Context, ev domain.Event) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.journal.Record(ctx, ev); err != nil {
		e.logger.Warn("failed to journal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

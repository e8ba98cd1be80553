package storage

import (
	"fmt"
	"sort"
	"time"

	"streamvault/internal/domain"
	"streamvault/internal/policy"
)

// PathSet is a set of file paths, used to mark recordings that are still being written.
type PathSet map[string]struct{}

// Has reports whether path is in the set.
func (p PathSet) Has(path string) bool {
	_, ok := p[path]
	return ok
}

// SortForRotation orders files by eviction preference: oldest modification
// first, or largest first. Ties fall back to the file name.
func SortForRotation(files []domain.RecordingFile, strategy policy.RotationStrategy) []domain.RecordingFile {
	sorted := make([]domain.RecordingFile, len(files))
	copy(sorted, files)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch strategy {
		case policy.LargestFirst:
			if a.SizeBytes != b.SizeBytes {
				return a.SizeBytes > b.SizeBytes
			}
		default:
			if !a.ModTime.Equal(b.ModTime) {
				return a.ModTime.Before(b.ModTime)
			}
		}
		return a.Name < b.Name
	})
	return sorted
}

// SelectForSpaceReclaim returns, in deletion order, the fewest files from the
// front of the strategy order whose removal brings the total size of files to
// targetBytes or less. Files in inUse count toward the total but are never
// selected. If the target cannot be reached the selected files are still
// returned together with domain.ErrQuotaUnsatisfiable.
func SelectForSpaceReclaim(files []domain.RecordingFile, strategy policy.RotationStrategy, targetBytes int64, inUse PathSet) ([]domain.RecordingFile, error) {
	var total int64
	for _, f := range files {
		total += f.SizeBytes
	}
	if len(files) == 0 || total <= targetBytes {
		return nil, nil
	}

	var victims []domain.RecordingFile
	for _, f := range SortForRotation(files, strategy) {
		if total <= targetBytes {
			break
		}
		if inUse.Has(f.Path) {
			continue
		}
		victims = append(victims, f)
		total -= f.SizeBytes
	}

	if total > targetBytes {
		return victims, fmt.Errorf("%w: %d bytes remain above target %d", domain.ErrQuotaUnsatisfiable, total-targetBytes, targetBytes)
	}
	return victims, nil
}

// SelectExpired returns every file whose age exceeds maxAge, oldest first.
// A zero maxAge disables expiry.
func SelectExpired(files []domain.RecordingFile, maxAge time.Duration, now time.Time, inUse PathSet) []domain.RecordingFile {
	if maxAge <= 0 {
		return nil
	}
	var expired []domain.RecordingFile
	for _, f := range SortForRotation(files, policy.OldestFirst) {
		if inUse.Has(f.Path) {
			continue
		}
		if now.Sub(f.ModTime) > maxAge {
			expired = append(expired, f)
		}
	}
	return expired
}

// PolicySource resolves the effective policy of a stream.
type PolicySource interface {
	Resolve(streamID string) policy.Policy
}

// Rotator binds the selection functions to a stream's files and policy.
type Rotator struct {
	store    *Store
	policies PolicySource
	inUse    func() PathSet
	now      func() time.Time
}

// NewRotator creates a Rotator. inUse reports the files currently being
// written; it may be nil.
func NewRotator(store *Store, policies PolicySource, inUse func() PathSet, now func() time.Time) *Rotator {
	if inUse == nil {
		inUse = func() PathSet { return nil }
	}
	if now == nil {
		now = time.Now
	}
	return &Rotator{store: store, policies: policies, inUse: inUse, now: now}
}

// SelectForSpaceReclaim selects victims of streamID until its usage is at or
// below targetBytes.
func (r *Rotator) SelectForSpaceReclaim(streamID string, targetBytes int64) ([]domain.RecordingFile, error) {
	files, err := r.store.ListFiles(streamID)
	if err != nil {
		return nil, err
	}
	return SelectForSpaceReclaim(files, r.policies.Resolve(streamID).RotationStrategy, targetBytes, r.inUse())
}

// SelectExpired selects the files of streamID older than its max age at now.
func (r *Rotator) SelectExpired(streamID string, now time.Time) ([]domain.RecordingFile, error) {
	files, err := r.store.ListFiles(streamID)
	if err != nil {
		return nil, err
	}
	return SelectExpired(files, r.policies.Resolve(streamID).MaxAge, now, r.inUse()), nil
}

// Now returns the rotator's clock reading.
func (r *Rotator) Now() time.Time {
	return r.now()
}

// Package storage reads and prunes the media tree: one directory per stream
// under the media root, recordings directly inside it.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"streamvault/internal/domain"
)

// Store gives access to the recordings under a media root. The directory tree
// is the only record of what exists; nothing is cached between calls.
type Store struct {
	root   string
	ext    string
	logger *zap.Logger
}

// NewStore creates the media root if it does not exist.
func NewStore(root, ext string, logger *zap.Logger) (*Store, error) {
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create media root %s: %v", domain.ErrFilesystem, root, err)
	}
	return &Store{root: root, ext: strings.ToLower(ext), logger: logger.Named("storage")}, nil
}

// Root returns the media root directory.
func (s *Store) Root() string { return s.root }

// Ext returns the recording file extension, including the dot.
func (s *Store) Ext() string { return s.ext }

// StreamDir returns the directory that holds streamID's recordings.
func (s *Store) StreamDir(streamID string) string {
	return filepath.Join(s.root, streamID)
}

// EnsureStreamDir creates the stream directory if needed.
func (s *Store) EnsureStreamDir(streamID string) (string, error) {
	if err := ValidateName(streamID); err != nil {
		return "", err
	}
	dir := s.StreamDir(streamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", domain.ErrFilesystem, dir, err)
	}
	return dir, nil
}

// ValidateName rejects identifiers that would escape the media root.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", domain.ErrInvalidName, name)
	}
	return nil
}

func (s *Store) isRecording(name string) bool {
	return strings.EqualFold(filepath.Ext(name), s.ext)
}

// Streams lists the stream directories under the media root.
func (s *Store) Streams() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrFilesystem, s.root, err)
	}
	var streams []string
	for _, e := range entries {
		if e.IsDir() {
			streams = append(streams, e.Name())
		}
	}
	sort.Strings(streams)
	return streams, nil
}

// ListFiles returns the recordings of streamID in directory order.
// A missing directory yields an empty list.
func (s *Store) ListFiles(streamID string) ([]domain.RecordingFile, error) {
	if err := ValidateName(streamID); err != nil {
		return nil, nil
	}
	dir := s.StreamDir(streamID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrFilesystem, dir, err)
	}

	files := make([]domain.RecordingFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !s.isRecording(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Stat
			continue
		}
		files = append(files, domain.RecordingFile{
			Name:      e.Name(),
			Path:      filepath.Join(dir, e.Name()),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	return files, nil
}

// ListNewestFirst returns the recordings of streamID, most recently modified first.
func (s *Store) ListNewestFirst(streamID string) ([]domain.RecordingFile, error) {
	files, err := s.ListFiles(streamID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Name > files[j].Name
		}
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// StreamUsage sums the size of streamID's recordings.
func (s *Store) StreamUsage(streamID string) (domain.StreamUsage, error) {
	files, err := s.ListFiles(streamID)
	if err != nil {
		return domain.StreamUsage{}, err
	}
	var u domain.StreamUsage
	for _, f := range files {
		u.SizeBytes += f.SizeBytes
	}
	u.FileCount = len(files)
	u.SizeMB = domain.ToMB(u.SizeBytes)
	return u, nil
}

// Usage builds a report over every stream directory. maxSpace supplies the
// quota shown next to each stream; it may be nil.
func (s *Store) Usage(maxSpace func(streamID string) int64) (domain.UsageReport, error) {
	report := domain.UsageReport{Streams: map[string]domain.StreamUsage{}}
	streams, err := s.Streams()
	if err != nil {
		return report, err
	}
	for _, id := range streams {
		u, err := s.StreamUsage(id)
		if err != nil {
			s.logger.Warn("usage scan failed", zap.String("stream", id), zap.Error(err))
			continue
		}
		if maxSpace != nil {
			u.MaxSpaceBytes = maxSpace(id)
			u.MaxSpaceMB = domain.ToMB(u.MaxSpaceBytes)
		}
		report.Streams[id] = u
		report.TotalBytes += u.SizeBytes
	}
	report.TotalMB = domain.ToMB(report.TotalBytes)
	return report, nil
}

// Remove deletes one recording of streamID by name.
func (s *Store) Remove(streamID, name string) error {
	if ValidateName(streamID) != nil || ValidateName(name) != nil || !s.isRecording(name) {
		return fmt.Errorf("%w: %s/%s", domain.ErrFileNotFound, streamID, name)
	}
	return s.RemovePath(filepath.Join(s.StreamDir(streamID), name))
}

// RemovePath deletes a recording by path. A file that is already gone yields
// domain.ErrFileNotFound so concurrent sweeps can treat it as done.
func (s *Store) RemovePath(path string) error {
	err := os.Remove(path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", domain.ErrFileNotFound, path)
	default:
		return fmt.Errorf("%w: remove %s: %v", domain.ErrFilesystem, path, err)
	}
}

// PruneEmptyDirs removes empty directories below the media root, deepest
// first. The root itself and directories listed in keep are left alone.
func (s *Store) PruneEmptyDirs(keep map[string]struct{}) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() && path != s.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk %s: %v", domain.ErrFilesystem, s.root, err)
	}

	// deepest paths first so parents are emptied before they are checked
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	var removed []string
	for _, dir := range dirs {
		if _, ok := keep[filepath.Clean(dir)]; ok {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			s.logger.Warn("failed to remove empty directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		removed = append(removed, dir)
	}
	return removed, nil
}

package recorder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streamvault/internal/policy"
)

// timestampLayout yields e.g. 2026-10-19T08-30-00.123Z; the fraction dot is
// replaced afterwards because Go only parses fractional seconds after '.' or ','.
const timestampLayout = "2006-01-02T15-04-05.000Z"

// Timestamp formats at as the UTC, millisecond, filesystem-safe timestamp
// used in recording names, e.g. 2026-10-19T08-30-00-123Z.
func Timestamp(at time.Time) string {
	return strings.Replace(at.UTC().Format(timestampLayout), ".", "-", 1)
}

// RenderFilename expands {streamName} and {timestamp} in template. The
// recording extension is appended when the template does not end with it.
func RenderFilename(template, streamID string, at time.Time, ext string) string {
	if template == "" {
		template = policy.DefaultFilenameTemplate
	}
	name := strings.NewReplacer(
		"{streamName}", streamID,
		"{timestamp}", Timestamp(at),
	).Replace(template)

	// templates may only name a file, never a path
	name = strings.NewReplacer("/", "_", `\`, "_").Replace(name)
	if ext != "" && !strings.HasSuffix(name, ext) {
		name += ext
	}
	return name
}

// UniquePath returns dir/name, or dir/base_N.ext for the smallest N >= 1 that
// does not exist yet.
func UniquePath(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	exists, err := fileExists(path)
	if err != nil || !exists {
		return path, err
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		exists, err := fileExists(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamvault/internal/domain"
	"streamvault/internal/policy"
)

var baseTime = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func rf(name string, size int64, age time.Duration) domain.RecordingFile {
	return domain.RecordingFile{
		Name:      name,
		Path:      "/media/camA/" + name,
		SizeBytes: size,
		ModTime:   baseTime.Add(-age),
	}
}

func names(files []domain.RecordingFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

func TestSelectForSpaceReclaim(t *testing.T) {
	files := []domain.RecordingFile{
		rf("a.mp4", 100, 3*time.Hour),
		rf("b.mp4", 300, 2*time.Hour),
		rf("c.mp4", 200, 1*time.Hour),
		rf("d.mp4", 50, 4*time.Hour),
	}

	tests := []struct {
		name     string
		strategy policy.RotationStrategy
		target   int64
		inUse    PathSet
		want     []string
		wantErr  error
	}{
		{"within quota", policy.OldestFirst, 650, nil, nil, nil},
		{"oldest first single", policy.OldestFirst, 600, nil, []string{"d.mp4"}, nil},
		{"oldest first prefix", policy.OldestFirst, 400, nil, []string{"d.mp4", "a.mp4", "b.mp4"}, nil},
		{"largest first single", policy.LargestFirst, 600, nil, []string{"b.mp4"}, nil},
		{"largest first two", policy.LargestFirst, 200, nil, []string{"b.mp4", "c.mp4"}, nil},
		{"skips in-use", policy.LargestFirst, 600, PathSet{"/media/camA/b.mp4": {}}, []string{"c.mp4"}, nil},
		{"unsatisfiable", policy.OldestFirst, 100, PathSet{"/media/camA/b.mp4": {}}, []string{"d.mp4", "a.mp4", "c.mp4"}, domain.ErrQuotaUnsatisfiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectForSpaceReclaim(files, tt.strategy, tt.target, tt.inUse)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestSelectForSpaceReclaim_MinimalPrefix(t *testing.T) {
	files := []domain.RecordingFile{
		rf("a.mp4", 10, 5*time.Hour),
		rf("b.mp4", 20, 4*time.Hour),
		rf("c.mp4", 30, 3*time.Hour),
		rf("d.mp4", 40, 2*time.Hour),
		rf("e.mp4", 50, 1*time.Hour),
	}
	var total int64 = 150

	for target := int64(0); target < total; target += 7 {
		victims, err := SelectForSpaceReclaim(files, policy.OldestFirst, target, nil)
		require.NoError(t, err)

		var reclaimed int64
		for i, v := range victims {
			assert.Equal(t, files[i].Name, v.Name, "victims must be a prefix of the sorted order")
			reclaimed += v.SizeBytes
		}
		assert.LessOrEqual(t, total-reclaimed, target)
		// dropping the last victim must leave the stream over target
		last := victims[len(victims)-1]
		assert.Greater(t, total-reclaimed+last.SizeBytes, target)
	}
}

func TestSelectForSpaceReclaim_Empty(t *testing.T) {
	got, err := SelectForSpaceReclaim(nil, policy.OldestFirst, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSelectExpired(t *testing.T) {
	files := []domain.RecordingFile{
		rf("fresh.mp4", 999999, time.Hour),
		rf("old.mp4", 1, 10*24*time.Hour),
		rf("older.mp4", 1, 20*24*time.Hour),
		rf("writing.mp4", 1, 30*24*time.Hour),
	}
	inUse := PathSet{"/media/camA/writing.mp4": {}}

	got := SelectExpired(files, 7*policy.Day, baseTime, inUse)
	assert.Equal(t, []string{"older.mp4", "old.mp4"}, names(got))

	assert.Empty(t, SelectExpired(files, 0, baseTime, nil))
}

func TestSelectExpired_IgnoresQuota(t *testing.T) {
	// a young oversized stream is never touched by the age sweep
	files := []domain.RecordingFile{rf("big.mp4", 10 << 30, time.Hour)}
	assert.Empty(t, SelectExpired(files, 7*policy.Day, baseTime, nil))
}

func TestSortForRotation_TieBreaksByName(t *testing.T) {
	files := []domain.RecordingFile{rf("b.mp4", 5, time.Hour), rf("a.mp4", 5, time.Hour)}

	assert.Equal(t, []string{"a.mp4", "b.mp4"}, names(SortForRotation(files, policy.OldestFirst)))
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, names(SortForRotation(files, policy.LargestFirst)))
	// input is left untouched
	assert.Equal(t, "b.mp4", files[0].Name)
}

type staticPolicies map[string]policy.Policy

func (s staticPolicies) Resolve(id string) policy.Policy { return s[id] }

func TestRotator_CamAScenario(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	dir := s.StreamDir("camA")
	writeFile(t, dir, "camA_1.mp4", 200*mb, now.Add(-10*24*time.Hour))
	writeFile(t, dir, "camA_2.mp4", 200*mb, now.Add(-24*time.Hour))
	writeFile(t, dir, "camA_3.mp4", 150*mb, now.Add(-2*time.Hour))

	r := NewRotator(s, staticPolicies{"camA": {
		MaxAge:           7 * policy.Day,
		MaxSpaceBytes:    500 * mb,
		RotationStrategy: policy.OldestFirst,
	}}, nil, nil)

	victims, err := r.SelectForSpaceReclaim("camA", 500*mb)
	require.NoError(t, err)
	assert.Equal(t, []string{"camA_1.mp4"}, names(victims))

	expired, err := r.SelectExpired("camA", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"camA_1.mp4"}, names(expired))
}

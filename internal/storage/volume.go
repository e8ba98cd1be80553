package storage

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"streamvault/internal/domain"
)

// Volume reports capacity of the filesystem that holds the media root.
func (s *Store) Volume() (*domain.VolumeStats, error) {
	st, err := disk.Usage(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: disk usage of %s: %v", domain.ErrFilesystem, s.root, err)
	}
	return &domain.VolumeStats{
		Path:        st.Path,
		TotalBytes:  st.Total,
		FreeBytes:   st.Free,
		UsedPercent: st.UsedPercent,
	}, nil
}

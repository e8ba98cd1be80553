// Package domain holds the types shared by the recording engine's components.
package domain

import "time"

const bytesPerMB = 1024 * 1024

// RecordingFile is a recording on disk. It is never cached; every listing
// reads it back from the filesystem.
type RecordingFile struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"modified_at"`
}

// StreamUsage is the disk footprint of one stream directory.
type StreamUsage struct {
	SizeBytes     int64 `json:"size_bytes"`
	SizeMB        int64 `json:"size_mb"`
	FileCount     int   `json:"files"`
	MaxSpaceBytes int64 `json:"max_space_bytes"`
	MaxSpaceMB    int64 `json:"max_space_mb"`
}

// VolumeStats describes the filesystem holding the media root.
type VolumeStats struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// UsageReport is recomputed on every request.
type UsageReport struct {
	TotalBytes int64                  `json:"total_bytes"`
	TotalMB    int64                  `json:"total"`
	Streams    map[string]StreamUsage `json:"cameras"`
	Volume     *VolumeStats           `json:"volume,omitempty"`
}

// SessionInfo is a read-only view of an active recording session.
type SessionInfo struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	SourceURL string    `json:"source_url"`
	FilePath  string    `json:"file_path"`
	StartedAt time.Time `json:"started_at"`
	Pid       int       `json:"pid"`
}

// EventKind classifies journal entries.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventStopped  EventKind = "stopped"
	EventExited   EventKind = "exited"
	EventRejected EventKind = "rejected"
	EventRotated  EventKind = "rotated"
	EventExpired  EventKind = "expired"
	EventDeleted  EventKind = "deleted"
)

// Event is one entry in the recording journal.
type Event struct {
	SessionID string    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	StreamID  string    `bson:"stream_id" json:"stream_id"`
	Kind      EventKind `bson:"kind" json:"kind"`
	FilePath  string    `bson:"file_path,omitempty" json:"file_path,omitempty"`
	ExitCode  *int      `bson:"exit_code,omitempty" json:"exit_code,omitempty"`
	Detail    string    `bson:"detail,omitempty" json:"detail,omitempty"`
	At        time.Time `bson:"at" json:"at"`
}

// ToMB converts bytes to whole megabytes, rounding half up.
func ToMB(bytes int64) int64 {
	return (bytes + bytesPerMB/2) / bytesPerMB
}

// FromMB converts megabytes to bytes.
func FromMB(mb int64) int64 {
	return mb * bytesPerMB
}

package domain

import "errors"

var (
	ErrAlreadyRecording    = errors.New("stream is already being recorded")
	ErrRecordingDisabled   = errors.New("recording is disabled for this stream")
	ErrStreamNotRecording  = errors.New("stream is not being recorded")
	ErrProcessLaunchFailed = errors.New("failed to launch recording process")
	ErrFileNotFound        = errors.New("recording file not found")
	ErrFileInUse           = errors.New("recording file is being written")
	ErrFilesystem          = errors.New("filesystem error")
	ErrQuotaUnsatisfiable  = errors.New("quota cannot be satisfied")
	ErrInvalidName         = errors.New("invalid stream or file name")
	ErrShuttingDown        = errors.New("recorder is shutting down")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrAlreadyRecording, "already_recording"},
	{ErrRecordingDisabled, "recording_disabled"},
	{ErrStreamNotRecording, "stream_not_recording"},
	{ErrProcessLaunchFailed, "process_launch_failed"},
	{ErrFileNotFound, "file_not_found"},
	{ErrFileInUse, "file_in_use"},
	{ErrQuotaUnsatisfiable, "quota_unsatisfiable"},
	{ErrInvalidName, "invalid_name"},
	{ErrShuttingDown, "shutting_down"},
	{ErrFilesystem, "filesystem_error"},
}

// Code returns the stable rejection code for err, or "internal_error" when
// err does not wrap one of the package's sentinels.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

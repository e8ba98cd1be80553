package server

import (
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"streamvault/internal/domain"
	"streamvault/internal/recording"
)

var statusByCode = map[string]int{
	"already_recording":     fiber.StatusConflict,
	"recording_disabled":    fiber.StatusForbidden,
	"stream_not_recording":  fiber.StatusBadRequest,
	"invalid_name":          fiber.StatusBadRequest,
	"file_not_found":        fiber.StatusNotFound,
	"file_in_use":           fiber.StatusConflict,
	"process_launch_failed": fiber.StatusBadGateway,
	"quota_unsatisfiable":   fiber.StatusInsufficientStorage,
	"shutting_down":         fiber.StatusServiceUnavailable,
	"filesystem_error":      fiber.StatusInternalServerError,
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByCode[domain.Code(err)]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

func writeError(c *fiber.Ctx, err error, message string) error {
	return c.Status(StatusFor(err)).JSON(fiber.Map{
		"success": false,
		"error":   domain.Code(err),
		"message": message,
	})
}

// RecordingHandler serves the recording API.
type RecordingHandler struct {
	engine    *recording.Engine
	sourceURL func(streamID string) string
	logger    *zap.Logger
}

func NewRecordingHandler(engine *recording.Engine, sourceURL func(string) string, logger *zap.Logger) *RecordingHandler {
	return &RecordingHandler{engine: engine, sourceURL: sourceURL, logger: logger}
}

type recordingResponse struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	SizeMB     int64     `json:"size_mb"`
	ModifiedAt time.Time `json:"modified_at"`
	URL        string    `json:"url"`
	Recording  bool      `json:"recording"`
}

type startRequest struct {
	SourceURL string `json:"source_url" form:"source_url"`
}

func (h *RecordingHandler) Usage(c *fiber.Ctx) error {
	usage, err := h.engine.GetUsageReport()
	if err != nil {
		h.logger.Error("failed to compute usage", zap.Error(err))
		return writeError(c, err, "Failed to get recording statistics")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"storage": usage,
	})
}

func (h *RecordingHandler) List(c *fiber.Ctx) error {
	stream := c.Params("stream")
	files, err := h.engine.ListRecordings(stream)
	if err != nil {
		h.logger.Error("failed to list recordings", zap.String("stream", stream), zap.Error(err))
		return writeError(c, err, "Failed to get recordings")
	}

	active := ""
	for _, s := range h.engine.ActiveSessions() {
		if s.StreamID == stream {
			active = s.FilePath
		}
	}

	recordings := make([]recordingResponse, 0, len(files))
	for _, f := range files {
		recordings = append(recordings, recordingResponse{
			Name:       f.Name,
			SizeBytes:  f.SizeBytes,
			SizeMB:     domain.ToMB(f.SizeBytes),
			ModifiedAt: f.ModTime,
			URL:        "/recordings/" + url.PathEscape(stream) + "/" + url.PathEscape(f.Name),
			Recording:  f.Path == active,
		})
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"camera":     stream,
		"recordings": recordings,
	})
}

func (h *RecordingHandler) History(c *fiber.Ctx) error {
	stream := c.Params("stream")
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid_limit",
			"message": "limit must be a non-negative integer",
		})
	}
	events, err := h.engine.History(c.Context(), stream, limit)
	if err != nil {
		h.logger.Error("failed to read journal", zap.String("stream", stream), zap.Error(err))
		return writeError(c, err, "Failed to get recording history")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"camera":  stream,
		"events":  events,
	})
}

func (h *RecordingHandler) Start(c *fiber.Ctx) error {
	stream := c.Params("stream")
	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "invalid_body",
				"message": "Invalid request body",
			})
		}
	}
	if req.SourceURL == "" {
		req.SourceURL = h.sourceURL(stream)
	}

	session, err := h.engine.RequestStart(c.Context(), stream, req.SourceURL)
	if err != nil {
		return writeError(c, err, "Failed to start recording")
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Recording started for " + stream,
		"streamName": stream,
		"streamUrl":  req.SourceURL,
		"session":    session,
	})
}

func (h *RecordingHandler) Stop(c *fiber.Ctx) error {
	stream := c.Params("stream")
	session, err := h.engine.RequestStop(c.Context(), stream)
	if err != nil {
		return writeError(c, err, "Failed to stop recording")
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Recording stopped for " + stream,
		"streamName": stream,
		"session":    session,
	})
}

func (h *RecordingHandler) Delete(c *fiber.Ctx) error {
	stream := c.Params("stream")
	filename, err := url.PathUnescape(c.Params("filename"))
	if err != nil {
		filename = c.Params("filename")
	}

	if err := h.engine.DeleteRecording(c.Context(), stream, filename); err != nil {
		return writeError(c, err, "Failed to delete recording")
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Recording " + filename + " deleted for " + stream,
		"streamName": stream,
		"filename":   filename,
	})
}

func (h *RecordingHandler) Cleanup(c *fiber.Ctx) error {
	report, err := h.engine.RunCleanupNow(c.Context())
	if err != nil {
		h.logger.Error("cleanup failed", zap.Error(err))
		return writeError(c, err, "Failed to run cleanup")
	}
	for _, msg := range report.Errors {
		h.logger.Warn("cleanup error", zap.String("error", msg))
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Cleanup executed successfully",
		"storage": report.Usage,
		"cleanup": report,
	})
}

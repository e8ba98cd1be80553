package livestream

import (
	"github.com/gofiber/fiber/v2"

	"streamvault/internal/storage"
)

// HookHandler serves nginx-rtmp style on_publish/on_publish_done callbacks.
type HookHandler struct {
	streamManager *StreamManager
}

func NewHookHandler(sm *StreamManager) *HookHandler {
	return &HookHandler{streamManager: sm}
}

type hookRequest struct {
	Name string `form:"name" json:"name"`
	App  string `form:"app" json:"app"`
	Addr string `form:"addr" json:"addr"`
}

func (h *HookHandler) parse(c *fiber.Ctx) (hookRequest, error) {
	var req hookRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return req, err
		}
	}
	if req.Name == "" {
		req.Name = c.Query("name")
	}
	return req, storage.ValidateName(req.Name)
}

func (h *HookHandler) OnPublish(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid_name",
			"message": "A valid stream name is required",
		})
	}

	// a duplicate publish is acknowledged so the ingest server keeps the stream
	started := h.streamManager.HandleStreamStart(req.Name, OriginHook, req.Addr)
	return c.JSON(fiber.Map{"success": true, "stream": req.Name, "started": started})
}

func (h *HookHandler) OnPublishDone(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid_name",
			"message": "A valid stream name is required",
		})
	}

	h.streamManager.HandleStreamEnd(req.Name)
	return c.JSON(fiber.Map{"success": true, "stream": req.Name})
}

func (h *HookHandler) ListLive(c *fiber.Ctx) error {
	return c.JSON(h.streamManager.ActiveStreams())
}

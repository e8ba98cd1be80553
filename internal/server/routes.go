package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"streamvault/internal/livestream"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/health", s.healthHandler)

	if s.metrics != nil {
		s.App.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	// Ingest callbacks (nginx-rtmp on_publish / on_publish_done)
	if s.cfg.Ingest.HooksEnabled && s.streams != nil {
		hooks := livestream.NewHookHandler(s.streams)
		s.App.Post("/hooks/on_publish", hooks.OnPublish)
		s.App.Post("/hooks/on_publish_done", hooks.OnPublishDone)
	}

	auth := authMiddleware(s.cfg.Auth)

	// Protected routes
	api := s.App.Group("/api", auth)
	api.Get("/status", s.statusHandler)
	api.Get("/sessions", s.sessionsHandler)
	if s.streams != nil {
		api.Get("/live", livestream.NewHookHandler(s.streams).ListLive)
	}

	recordingHandler := NewRecordingHandler(s.engine, s.cfg.SourceURL, s.logger)
	api.Get("/recordings", recordingHandler.Usage)
	api.Post("/recordings/cleanup", recordingHandler.Cleanup)
	api.Get("/recordings/:stream", recordingHandler.List)
	api.Get("/recordings/:stream/history", recordingHandler.History)
	api.Post("/recordings/:stream/start", recordingHandler.Start)
	api.Post("/recordings/:stream/stop", recordingHandler.Stop)
	api.Delete("/recordings/:stream/:filename", recordingHandler.Delete)

	// Recorded files, same credentials as the API
	s.App.Use("/recordings", auth)
	s.App.Static("/recordings", s.cfg.Storage.MediaPath, fiber.Static{
		ByteRange: true,
		Browse:    false,
	})
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":  "up",
		"version": s.version,
	}
	if s.db != nil {
		health := s.db.Health()
		resp["database"] = health
		if _, failed := health["error"]; failed {
			resp["status"] = "degraded"
		}
	}
	return c.JSON(resp)
}

func (s *FiberServer) statusHandler(c *fiber.Ctx) error {
	global := s.engine.GlobalPolicy()
	resp := fiber.Map{
		"success":          true,
		"version":          s.version,
		"serverTime":       time.Now().UTC().Format(time.RFC3339),
		"recordingEnabled": global.Enabled,
		"activeSessions":   len(s.engine.ActiveSessions()),
		"config": fiber.Map{
			"httpPort":         s.cfg.Server.Port,
			"rtmpNotifyAddr":   s.cfg.Ingest.RTMPNotifyAddr,
			"recordingsPath":   s.cfg.Storage.MediaPath,
			"maxAgeDays":       s.cfg.Policy.MaxAgeDays,
			"maxSpace":         s.cfg.Policy.MaxSpaceMB,
			"autoRecord":       global.AutoRecord,
			"rotationStrategy": global.RotationStrategy,
		},
	}
	if s.streams != nil {
		resp["liveStreams"] = len(s.streams.ActiveStreams())
	}
	return c.JSON(resp)
}

func (s *FiberServer) sessionsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":  true,
		"sessions": s.engine.ActiveSessions(),
	})
}

package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"streamvault/internal/config"
	"streamvault/internal/database"
	"streamvault/internal/livestream"
	"streamvault/internal/metrics"
	"streamvault/internal/recording"
)

// Options wires a FiberServer. DB and Metrics may be nil.
type Options struct {
	Config  *config.Config
	Engine  *recording.Engine
	Streams *livestream.StreamManager
	Metrics *metrics.Metrics
	DB      database.Service
	Logger  *zap.Logger
	Version string
}

type FiberServer struct {
	*fiber.App
	cfg     *config.Config
	engine  *recording.Engine
	streams *livestream.StreamManager
	metrics *metrics.Metrics
	db      database.Service
	logger  *zap.Logger
	version string
}

func New(opts Options) *FiberServer {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	app := fiber.New(fiber.Config{
		ServerHeader:          "streamvault",
		AppName:               "streamvault",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	server := &FiberServer{
		App:     app,
		cfg:     cfg,
		engine:  opts.Engine,
		streams: opts.Streams,
		metrics: opts.Metrics,
		db:      opts.DB,
		logger:  logger,
		version: opts.Version,
	}
	server.applyMiddleware()

	return server
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(recover.New())

	origins := "*"
	if len(s.cfg.Security.CORSOrigins) > 0 {
		origins = strings.Join(s.cfg.Security.CORSOrigins, ",")
	}
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	if s.cfg.Security.RateLimit > 0 {
		s.App.Use(limiter.New(limiter.Config{
			Max:        s.cfg.Security.RateLimit,
			Expiration: s.cfg.Security.RateWindow,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP() // limit by IP address
			},
			// ingest callbacks come from the local media server and must not be throttled
			Next: func(c *fiber.Ctx) bool {
				return strings.HasPrefix(c.Path(), "/hooks/")
			},
		}))
	}
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"success": false,
				"error":   strings.ToLower(strings.ReplaceAll(utils.StatusMessage(fe.Code), " ", "_")),
				"message": fe.Message,
			})
		}
		logger.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}

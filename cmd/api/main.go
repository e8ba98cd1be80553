// Package main is the CLI entry point for streamvault.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"streamvault/internal/config"
	"streamvault/internal/database"
	"streamvault/internal/domain"
	"streamvault/internal/journal"
	"streamvault/internal/livestream"
	"streamvault/internal/logger"
	"streamvault/internal/metrics"
	"streamvault/internal/recorder"
	"streamvault/internal/recording"
	"streamvault/internal/server"
	"streamvault/internal/storage"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "streamvault",
	Short: "Recording lifecycle and storage rotation for live streams",
	Long: `streamvault records live camera streams to disk with ffmpeg and keeps
each camera's recordings within its age and disk quota limits.

Configuration is read from the environment and an optional .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, ingest listeners and retention tasks",
	RunE:  runServe,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the age sweep and quota check once and exit",
	Long: `Deletes recordings older than their stream's maximum age, then evicts files
from every stream over its disk quota. Prints the resulting report as JSON.`,
	RunE: runCleanup,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print per-camera disk usage as JSON",
	RunE:  runUsage,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var checkFFmpeg bool

func init() {
	serveCmd.Flags().BoolVar(&checkFFmpeg, "require-ffmpeg", false, "Refuse to start when the ffmpeg binary is missing")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(api bool) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if api {
		if err := cfg.ValidateAPI(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

// components holds the components shared by every command.
type components struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	db       database.Service
	launcher *recorder.FFmpegLauncher
	engine   *recording.Engine
}

func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	rt := &components{cfg: cfg, log: log, metrics: metrics.New()}

	var events domain.Journal = journal.NewMemory(0)
	if cfg.Database.URI != "" {
		db, err := database.New(ctx, cfg.Database.URI, cfg.Database.Name, log)
		if err != nil {
			return nil, err
		}
		mongoJournal, err := journal.NewMongo(ctx, db.GetDatabase())
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		rt.db = db
		events = mongoJournal
		log.Info("recording journal stored in MongoDB", zap.String("database", cfg.Database.Name))
	}

	store, err := storage.NewStore(cfg.Storage.MediaPath, cfg.Storage.Extension, log)
	if err != nil {
		return nil, multierr.Append(err, rt.close())
	}

	rt.launcher = recorder.NewFFmpegLauncher(cfg.Recorder.FFmpegPath, cfg.Recorder.ExtraArgs)
	rt.engine = recording.New(recording.Options{
		Store:               store,
		Policies:            cfg.Resolver(),
		Launcher:            rt.launcher,
		Journal:             events,
		Metrics:             rt.metrics,
		Logger:              log,
		StartDelay:          cfg.Recorder.StartDelay,
		CheckInterval:       cfg.Schedule.CheckInterval,
		CleanupInterval:     cfg.Schedule.CleanupInterval,
		CleanupInitialDelay: cfg.Schedule.CleanupInitialDelay,
	})
	return rt, nil
}

func (rt *components) close() error {
	var err error
	if rt.db != nil {
		err = rt.db.Close()
	}
	_ = rt.log.Sync()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	log := rt.log

	if err := rt.launcher.CheckAvailable(); err != nil {
		if checkFFmpeg {
			return multierr.Append(err, rt.close())
		}
		log.Warn("ffmpeg is not available, recordings will fail to start", zap.Error(err))
	} else if v, err := rt.launcher.Version(); err == nil {
		log.Info("ffmpeg found", zap.String("version", v))
	}

	streams := livestream.NewStreamManager(rt.engine, cfg.SourceURL, nil, log)

	var rtmpServer *livestream.RTMPServer
	if cfg.Ingest.RTMPNotifyAddr != "" {
		rtmpServer = livestream.NewRTMPServer(cfg.Ingest.RTMPNotifyAddr, cfg.Ingest.RTMPApp, streams, log)
		go func() {
			if err := rtmpServer.ListenAndServe(); err != nil {
				log.Error("rtmp listener stopped", zap.Error(err))
			}
		}()
	}

	fiberServer := server.New(server.Options{
		Config:  cfg,
		Engine:  rt.engine,
		Streams: streams,
		Metrics: rt.metrics,
		DB:      rt.db,
		Logger:  log,
		Version: Version,
	})
	fiberServer.RegisterFiberRoutes()

	if err := rt.engine.Start(ctx); err != nil {
		return multierr.Append(err, rt.close())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- fiberServer.Listen(addr)
	}()

	log.Info("streamvault started",
		zap.String("addr", addr),
		zap.String("media_path", cfg.Storage.MediaPath),
		zap.String("rtmp_notify_addr", cfg.Ingest.RTMPNotifyAddr),
		zap.Bool("hooks", cfg.Ingest.HooksEnabled),
		zap.String("version", Version),
	)

	// Listen for the interrupt signal.
	var errs error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		errs = multierr.Append(errs, fmt.Errorf("http server error: %w", err))
	}

	log.Info("shutting down gracefully, press Ctrl+C again to force")
	stop() // Allow Ctrl+C to force shutdown

	// The HTTP server gets 5 seconds to finish the requests it is handling
	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fiberServer.ShutdownWithContext(httpCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if rtmpServer != nil {
		errs = multierr.Append(errs, rtmpServer.Close())
	}

	// Recorders get the configured grace period before they are killed
	engineCtx, cancelEngine := context.WithTimeout(context.Background(), cfg.Recorder.ShutdownGrace)
	defer cancelEngine()
	errs = multierr.Append(errs, rt.engine.Shutdown(engineCtx))
	errs = multierr.Append(errs, rt.close())

	if errs != nil {
		log.Error("shutdown finished with errors", zap.Error(errs))
		return errs
	}
	log.Info("graceful shutdown complete")
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	rt, err := newComponents(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	report, err := rt.engine.RunCleanupNow(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	rt, err := newComponents(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	report, err := rt.engine.GetUsageReport()
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "streamvault %s (commit %s, built %s)\n", Version, Commit, BuildTime)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dstrelkov/vidveil/internal/archive"
	"github.com/dstrelkov/vidveil/internal/backup"
	"github.com/dstrelkov/vidveil/internal/config"
	internalhttp "github.com/dstrelkov/vidveil/internal/http"
	"github.com/dstrelkov/vidveil/internal/http/handlers"
	"github.com/dstrelkov/vidveil/internal/media"
	"github.com/dstrelkov/vidveil/internal/observability"
	"github.com/dstrelkov/vidveil/internal/perturb"
	"github.com/dstrelkov/vidveil/internal/pipeline"
	"github.com/dstrelkov/vidveil/internal/scheduler"
	"github.com/dstrelkov/vidveil/internal/storage"
	"github.com/dstrelkov/vidveil/internal/store"
	"github.com/dstrelkov/vidveil/internal/version"
	"github.com/dstrelkov/vidveil/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vidveil server",
	Long: `Start the vidveil HTTP server and worker pool.

The server provides:
- Upload endpoints for protection, metadata stripping, and compression
- Task inspection, cancellation, and download endpoints
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Int("port", 8000, "Port to listen on")
	serveCmd.Flags().String("data-dir", ".", "Base directory for video and queue storage")

	// Queue flags
	serveCmd.Flags().Int("workers", 3, "Number of concurrent processing workers")

	serveCmd.Flags().Bool("debug", false, "Enable debug logging (shorthand for --log-level=debug)")

	// Bind flags to viper
	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	mustBindPFlag("queue.workers", serveCmd.Flags().Lookup("workers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg := config.LoggingConfig{Level: "debug", Format: viper.GetString("logging.format")}
		observability.SetDefault(observability.NewLoggerWithWriter(logCfg, os.Stderr))
	}
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Resolve ffmpeg/ffprobe before accepting any work.
	bins, err := media.FindBinaries(cfg.FFmpeg)
	if err != nil {
		return fmt.Errorf("resolving media binaries: %w", err)
	}
	logger.Info("media binaries resolved",
		slog.String("ffmpeg", bins.FFmpeg),
		slog.String("ffprobe", bins.FFprobe))

	// Create the storage layout and queue store.
	layout := storage.NewLayout(cfg.Storage)
	if err := layout.Bootstrap(); err != nil {
		return fmt.Errorf("preparing storage: %w", err)
	}

	st := store.New(layout.TasksFile(), observability.WithComponent(logger, "store"))
	if err := st.Load(); err != nil {
		return fmt.Errorf("loading task queue: %w", err)
	}
	stats := st.Stats()
	logger.Info("task queue loaded",
		slog.Int("total", stats.Total),
		slog.Int("pending", stats.Pending),
		slog.Int("completed", stats.Completed),
		slog.Int("failed", stats.Failed))

	// Optional archive of cleaned-up tasks.
	var archiveRepo *archive.Repository
	if cfg.Archive.Enabled {
		archiveRepo, err = archive.Open(cfg.ArchiveDSN(), observability.WithComponent(logger, "archive"))
		if err != nil {
			return fmt.Errorf("opening archive database: %w", err)
		}
		defer archiveRepo.Close()
	}

	// Processing pipeline and worker pool.
	toolchain := media.NewFFmpegToolchain(bins, observability.WithComponent(logger, "media"))
	runner := pipeline.NewRunner(st, layout, toolchain, perturb.NewClassifier(),
		observability.WithComponent(logger, "pipeline"))

	pool := worker.NewPool(st, runner).
		WithLogger(observability.WithComponent(logger, "worker")).
		WithConfig(worker.PoolConfig{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval,
			TaskTimeout:  cfg.Queue.TaskTimeout,
		})

	// Background maintenance: timeout sweep, cleanup, queue snapshots.
	var backups *backup.Manager
	if cfg.Backup.Enabled {
		backups = backup.New(layout.TasksFile(), layout.BackupsDir(), cfg.Backup.Retention,
			observability.WithComponent(logger, "backup"))
	}

	supervisor := scheduler.NewSupervisor(st, layout, archiveRepo, backups).
		WithLogger(observability.WithComponent(logger, "scheduler")).
		WithConfig(scheduler.SupervisorConfig{
			TaskTimeout: cfg.Queue.TaskTimeout,
			CleanupAge:  cfg.Queue.CleanupAge,
			BackupSpec:  cfg.Backup.Cron,
		})

	// Initialize HTTP server
	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	if cfg.Server.ReadTimeout > 0 {
		serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout > 0 {
		serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	server := internalhttp.NewServer(serverConfig, observability.WithComponent(logger, "http"), version.Version)

	// Register handlers
	systemHandler := handlers.NewSystemHandler(st, version.Version, pool.Workers(), cfg.Server.MaxUploadSize.Bytes())
	systemHandler.Register(server.API())

	taskHandler := handlers.NewTaskHandler(st, supervisor, archiveRepo)
	taskHandler.Register(server.API())

	uploadHandler := handlers.NewUploadHandler(st, layout, cfg.Server.MaxUploadSize.Bytes(), pool.Workers(),
		cfg.Protect, observability.WithComponent(logger, "upload"))
	uploadHandler.Register(server.Router())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	// Start background components
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	defer pool.Stop()

	if err := supervisor.Start(); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	defer supervisor.Stop()

	logger.Info("starting vidveil server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Int("workers", pool.Workers()),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

// loadConfig unmarshals the merged viper state (defaults, config file, env,
// bound flags) into a validated Config.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

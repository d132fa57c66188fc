// ============================================================================
// cdc-scheduler CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line interface for the scheduler and workers
//
// Command Structure:
//   cdcsched                       # Root command
//   ├── run                        # Start the scheduler
//   ├── worker                     # Start a scanner worker
//   │   ├── --id                   # Worker id
//   │   ├── --listen               # Scanner gRPC listen address
//   │   └── --scheduler            # Registry address to announce to
//   ├── submit -f jobs.yaml        # Create jobs from a file
//   ├── list                       # List jobs
//   ├── show <id>                  # Show one job with its tasks
//   ├── pause|resume|stop|drop <id>
//   ├── status                     # Scheduler summary
//   ├── snapshot                   # Force a registry snapshot
//   ├── wal inspect|repair         # Offline WAL tools
//   └── --config, -c               # Config file (all commands)
//
// run Command:
//   1. Load config file and set up logging
//   2. Create the controller over the RPC scanner client and start it
//   3. Create the jobs listed in the config (existing names are skipped)
//   4. Serve the worker registry over gRPC and the admin API over HTTP
//   5. Wait for SIGINT / SIGTERM and shut down gracefully
//
//   Graceful shutdown flow:
//   1. Stop the admin server and the registry
//   2. Stop the controller (final snapshot, close the job log)
//   3. Close cached scanner connections
//
// Client commands (submit, list, show, ...) talk to a running scheduler's
// admin API at admin.addr, or at --addr when given.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/cdc-scheduler/internal/admin"
	"github.com/ChuLiYu/cdc-scheduler/internal/config"
	"github.com/ChuLiYu/cdc-scheduler/internal/controller"
	"github.com/ChuLiYu/cdc-scheduler/internal/metrics"
	"github.com/ChuLiYu/cdc-scheduler/internal/rpc"
	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Version is reported by --version.
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	adminAddr  string
	adminToken string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cdcsched",
		Short: "cdcsched: a crash-recoverable CDC job scheduler",
		Long: `cdcsched schedules MySQL change-data-capture jobs onto remote scanner workers:
- snapshot splits followed by a single binlog split per job
- WAL or Pebble backed job state with snapshot-based recovery
- Prometheus metrics and an HTTP admin API`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", "", "admin API address (default: admin.addr from config)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin API token (default: admin.token from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildShowCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSnapshotCommand())
	for _, a := range jobActions {
		rootCmd.AddCommand(buildJobActionCommand(a))
	}
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		Long:  "Recover job state, start scheduling and serve the worker registry and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := setupLogging(cfg.Logging, os.Stderr); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runScheduler(ctx, cfg)
		},
	}
}

// controllerConfig maps the file configuration onto the controller's.
func controllerConfig(cfg *config.Config) controller.Config {
	return controller.Config{
		WorkerCount:      cfg.Scheduler.WorkerPoolSize,
		TaskTimeout:      cfg.Scheduler.TaskTimeout,
		ScheduleInterval: cfg.Scheduler.Interval,
		HistoryRetention: cfg.Scheduler.HistoryRetention,
		Transactional:    cfg.Scheduler.Transactional,
		DBID:             cfg.Scheduler.DBID,
		Backend:          cfg.Storage.Backend,
		WALPath:          cfg.Storage.WALPath,
		SnapshotPath:     cfg.Storage.SnapshotPath,
		PebbleDir:        cfg.Storage.PebbleDir,
		SnapshotInterval: cfg.Storage.SnapshotInterval,
		SnapshotBackups:  cfg.Storage.SnapshotBackups,
		SyncOnAppend:     cfg.Storage.SyncOnAppend,
		WALBufferSize:    cfg.Storage.WALBufferSize,
		WALFlushInterval: cfg.Storage.WALFlushInterval,
		CompressBackups:  cfg.Storage.CompressBackups,
	}
}

func jobSpecs(jobs []config.JobConfig) []controller.JobSpec {
	specs := make([]controller.JobSpec, 0, len(jobs))
	for _, j := range jobs {
		specs = append(specs, controller.JobSpec{
			Name:   j.Name,
			DBID:   j.DBID,
			Owner:  j.Owner,
			Tables: j.Tables,
			Config: j.Config,
		})
	}
	return specs
}

// runScheduler runs until ctx is canceled.
func runScheduler(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("config", configFile).
		Str("backend", cfg.Storage.Backend).
		Int("pool_size", cfg.Scheduler.WorkerPoolSize).
		Dur("interval", cfg.Scheduler.Interval).
		Msg("Starting scheduler")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dir := worker.NewDirectory(cfg.Handles()...)
	scanners, err := rpc.NewClient(cfg.RPC.ConnCacheSize,
		rpc.WithCompression(cfg.RPC.Compression),
		rpc.WithCallTimeout(cfg.RPC.CallTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create scanner client: %w", err)
	}
	defer scanners.Shutdown()

	ctrl, err := controller.NewController(controllerConfig(cfg), controller.Deps{
		Reader:  scanners,
		Workers: dir,
		Metrics: metrics.NewCollector(reg),
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Bootstrap(ctx, jobSpecs(cfg.Jobs)); err != nil {
		return err
	}

	// Worker registry (gRPC)
	registry := rpc.NewRegistry(dir, cfg.RPC.Lease)
	lis, err := net.Listen("tcp", cfg.RPC.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.RPC.Listen, err)
	}
	grpcServer := grpc.NewServer()
	rpc.RegisterRegistry(grpcServer, registry)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("Worker registry listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("registry server: %w", err)
		}
	}()
	defer grpcServer.GracefulStop()

	regCtx, cancelRegistry := context.WithCancel(ctx)
	defer cancelRegistry()
	go registry.Run(regCtx, 0)

	// Admin API (HTTP)
	httpServer := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.NewRouter(ctrl, reg, cfg.Admin.Token),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Admin.Addr).Msg("Admin server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	log.Info().Int("jobs", len(ctrl.ListJobs())).Int("workers", dir.Len()).Msg("Scheduler started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Server failed, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown")
	}
	return runErr
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var (
		id            int64
		listen        string
		advertise     string
		schedulerAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a scanner worker",
		Long: `Serve the scanner RPC service backed by the built-in simulated source and,
when --scheduler is set, keep the worker registered with that scheduler`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(configFile)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Logging, os.Stderr); err != nil {
				return err
			}
			if advertise == "" {
				advertise = listen
			}
			self, err := worker.ParseHandle(types.WorkerID(id), advertise)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, self, listen, schedulerAddr)
		},
	}

	cmd.Flags().Int64Var(&id, "id", 1, "worker id")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9070", "scanner gRPC listen address")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address the scheduler dials (default: --listen)")
	cmd.Flags().StringVar(&schedulerAddr, "scheduler", "", "scheduler registry address, e.g. 127.0.0.1:9080")

	return cmd
}

func runWorker(ctx context.Context, self worker.Handle, listen, schedulerAddr string) error {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	grpcServer := grpc.NewServer()
	rpc.RegisterScanner(grpcServer, source.NewSimulator())

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("worker", self.String()).Str("listen", lis.Addr().String()).Msg("Scanner worker listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	if schedulerAddr != "" {
		announcer, err := rpc.NewAnnouncer(schedulerAddr, self)
		if err != nil {
			grpcServer.Stop()
			return err
		}
		defer announcer.Close()
		go func() {
			if err := announcer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("register with %s: %w", schedulerAddr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Stopping worker node...")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Worker failed, stopping")
	}
	grpcServer.GracefulStop()
	return runErr
}

// loadConfigOrDefault loads path and falls back to the defaults when the
// file does not exist.
func loadConfigOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

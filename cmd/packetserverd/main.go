// Command packetserverd runs the BBS server: the store, the radio-side
// dispatcher with its transports, the container job subsystem, and the
// HTTP dashboard façade.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/callsign"
	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/config"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/dispatch"
	"github.com/packetserver-io/packetserver/internal/events"
	"github.com/packetserver-io/packetserver/internal/httpapi"
	"github.com/packetserver-io/packetserver/internal/jobs"
	"github.com/packetserver-io/packetserver/internal/runner"
	"github.com/packetserver-io/packetserver/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "packetserverd",
		Short: "packetserver — a BBS and compute server for packet radio",
		Long: `packetserverd is the server side of packetserver: a bulletin board,
mail and file drop reachable over AX.25 packet radio, with a
container-backed job runner and an HTTP dashboard for the same accounts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to packetserver.yaml (default: search . and ./config)")
	return root
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			// Open runs pending migrations before returning.
			store, err := db.Open(db.Config{
				Driver: cfg.DB.Driver,
				DSN:    cfg.DB.DSN,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("store schema is up to date", zap.String("driver", cfg.DB.Driver))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("packetserverd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if !callsign.ValidBase(cfg.Server.Callsign) {
		return fmt.Errorf("a valid server callsign is required: set server.callsign or PS_APP_SERVER_CALLSIGN")
	}
	serverCall := callsign.Normalize(cfg.Server.Callsign)

	logger.Info("starting packetserver",
		zap.String("version", version),
		zap.String("callsign", serverCall),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := db.Open(db.Config{
		Driver:      cfg.DB.Driver,
		DSN:         cfg.DB.DSN,
		Logger:      logger,
		AddressFile: filepath.Join(cfg.Server.DataDir, db.AddressFileName),
		Address:     cfg.DB.Address,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	svc := bbs.NewService(store, logger, nil)
	if err := svc.Bootstrap(ctx, serverCall, cfg.Server.Name); err != nil {
		return err
	}

	hub := events.NewHub()
	go hub.Run(ctx)
	svc.SetEventSink(events.NewSink(hub))

	// The job subsystem comes up only when enabled in the stored config
	// and the container engine answers. A dead engine is not fatal: the
	// BBS runs, jobs queue, and accepts_jobs reads false.
	var (
		orch   *runner.Orchestrator
		worker *jobs.Worker
	)
	storedCfg, err := svc.Config(ctx)
	if err != nil {
		return err
	}
	if storedCfg.JobsEnabled {
		jc := storedCfg.JobsConfig
		engine, err := runner.NewDockerEngine(jc.EngineURI)
		if err != nil {
			logger.Error("container engine unavailable, job execution disabled", zap.Error(err))
		} else {
			orch = runner.NewOrchestrator(engine, runner.Config{
				Image:              jc.ImageName,
				NamePrefix:         jc.NamePrefix,
				MaxActiveJobs:      jc.MaxActiveJobs,
				ContainerKeepalive: time.Duration(jc.ContainerKeepalive) * time.Second,
				DefaultTimeout:     time.Duration(jc.DefaultTimeout) * time.Second,
				MaxTimeout:         time.Duration(jc.MaxTimeout) * time.Second,
				OrphanScanSchedule: jc.OrphanScanSchedule,
				Version:            version,
			}, logger)
			if err := orch.Start(ctx); err != nil {
				logger.Error("orchestrator failed to start, job execution disabled", zap.Error(err))
				orch = nil
			} else {
				worker = jobs.NewWorker(svc, orch, logger)
				if err := worker.Start(); err != nil {
					return err
				}
			}
		}
	}

	// Typed nils must not become non-nil interfaces.
	var (
		armer dispatch.QueueArmer
		pool  dispatch.RunnerPool
	)
	if worker != nil {
		armer = worker
	}
	if orch != nil {
		pool = orch
	}
	server := dispatch.NewServer(svc, armer, pool, logger)

	if cfg.Radio.DirRoot != "" {
		if err := os.MkdirAll(cfg.Radio.DirRoot, 0o755); err != nil {
			return fmt.Errorf("create directory transport root: %w", err)
		}
		listener := transport.NewDirectoryListener(cfg.Radio.DirRoot, serverCall, server, cfg.Radio.MTU, logger)
		go listener.Run(ctx)
	} else {
		logger.Warn("no radio transport configured, serving HTTP only")
	}

	var httpSrv *http.Server
	if cfg.HTTP.Enabled {
		tokens, err := httpapi.NewTokenManager(serverCall)
		if err != nil {
			return err
		}
		auth, err := httpapi.NewAuthenticator(store, tokens, logger)
		if err != nil {
			return err
		}
		var httpPool httpapi.RunnerPool
		if orch != nil {
			httpPool = orch
		}
		httpSrv = &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: httpapi.NewRouter(httpapi.RouterConfig{
				Service: svc,
				Auth:    auth,
				Tokens:  tokens,
				Hub:     hub,
				Pool:    httpPool,
				Logger:  logger,
				Version: version,
			}),
		}
		go func() {
			logger.Info("http façade listening", zap.String("addr", cfg.HTTP.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down packetserver")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if worker != nil {
		worker.Stop()
	}
	if orch != nil {
		orch.Stop(shutdownCtx)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

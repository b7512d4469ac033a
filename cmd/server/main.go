// Command server runs the Aviary control plane: the REST API, the WebSocket
// event stream, the Prometheus endpoint, and the supervisor that owns every
// agent worker process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aviary-run/aviary/internal/api"
	"github.com/aviary-run/aviary/internal/auth"
	"github.com/aviary-run/aviary/internal/config"
	"github.com/aviary-run/aviary/internal/controller"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/health"
	"github.com/aviary-run/aviary/internal/ports"
	"github.com/aviary-run/aviary/internal/repositories"
	"github.com/aviary-run/aviary/internal/supervisor"
	"github.com/aviary-run/aviary/internal/ws"
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
	root := &cobra.Command{
		Use:   "aviary-server",
		Short: "Aviary server — multi-tenant agent process supervisor",
		Long: `Aviary server supervises a fleet of agent worker processes. It exposes
a REST API for agent CRUD and lifecycle control, a WebSocket stream of
lifecycle events, and a Prometheus metrics endpoint. All configuration is
read from the environment; see the README for the full variable list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("aviary-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Supervisor.WorkerPath == "" {
		return fmt.Errorf("AGENT_WORKER_PATH is required — point it at the worker binary")
	}

	logger.Info("starting aviary server",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("db_driver", cfg.Database.Driver()),
		zap.String("worker_path", cfg.Supervisor.WorkerPath),
		zap.Int("port_min", cfg.Supervisor.PortMin),
		zap.Int("port_max", cfg.Supervisor.PortMax),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver: cfg.Database.Driver(),
		DSN:    cfg.Database.DSN(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	users := repositories.NewUserRepository(database)
	sessions := repositories.NewSessionRepository(database)
	templates := repositories.NewTemplateRepository(database)
	agents := repositories.NewAgentRepository(database)
	events := repositories.NewEventRepository(database)

	jwtMgr, err := auth.NewJWTManager(cfg.JWT.Secret, "aviary", cfg.JWT.AccessExpiresIn)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(users, sessions, jwtMgr, cfg.JWT.RefreshExpiresIn)

	alloc, err := ports.NewAllocator(agents, cfg.Supervisor.PortMin, cfg.Supervisor.PortMax)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	hub := ws.NewHub(logger)
	spawner := supervisor.NewExecSpawner(cfg.Supervisor.WorkerPath)

	ctrl := controller.New(controller.Config{
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		ReadyTimeout:      cfg.Supervisor.ReadyTimeout,
		GraceTimeout:      cfg.Supervisor.GraceTimeout,
		RestartBackoff:    cfg.Supervisor.RestartBackoff,
		MaxRestarts:       cfg.Supervisor.MaxRestarts,
		ShutdownTimeout:   cfg.Supervisor.ShutdownTimeout,
	}, agents, templates, events, alloc, spawner, clock, logger, hub)

	// Rows left in a live status by a previous run have no worker behind
	// them anymore; park them in error before accepting traffic.
	if err := ctrl.ReconcileOrphans(ctx); err != nil {
		return fmt.Errorf("reconciling orphaned agents: %w", err)
	}

	monitor, err := health.New(agents, ctrl,
		cfg.Supervisor.HeartbeatInterval, cfg.Supervisor.MaxRestarts, clock, logger)
	if err != nil {
		return err
	}
	monitor.WithSessionPurge(authSvc.PurgeExpiredSessions)
	if err := monitor.Start(ctx); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		AuthService: authSvc,
		JWTManager:  jwtMgr,
		Controller:  ctrl,
		Hub:         hub,
		Logger:      logger,
		Users:       users,
		Templates:   templates,
		Agents:      agents,
		CORSOrigin:  cfg.Server.CORSOrigin,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return ctrl.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down aviary server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
		defer cancel()

		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			logger.Error("stopping agents", zap.Error(err))
		}
		if err := monitor.Stop(); err != nil {
			logger.Warn("stopping health monitor", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

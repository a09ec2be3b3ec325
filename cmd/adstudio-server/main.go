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

	"adstudio/server/internal/config"
	"adstudio/server/internal/store/postgres"
	"adstudio/server/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 20 * time.Second

var (
	configPath string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "adstudio-server",
	Short:         "Ad campaign content generation orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background job sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Poll every campaign with generating prompts once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL documents table",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.DSN == "" {
			return errors.New("DATABASE_URL is required for migrate")
		}
		db, err := postgres.Open(cmd.Context(), cfg.Store.DSN, 2)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.NewDocuments(db).Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("migrate_done")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default $ADSTUDIO_CONFIG)")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	if cfg.Log.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server_start",
			zap.String("addr", cfg.Server.Addr),
			zap.String("public_base_url", cfg.Server.PublicBaseURL),
			zap.Int("max_concurrent_submits", cfg.Production.MaxConcurrentSubmits),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Production.SweepEnabled {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server_shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runSweep(ctx context.Context) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.sweeper.SweepOnce(ctx, true)
	if err != nil {
		return err
	}
	logger.Info("sweep_done",
		zap.Int("campaigns", res.Campaigns),
		zap.Int("locked", res.Locked),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("pending", res.Pending),
		zap.Int("errors", res.Errors),
	)
	return nil
}

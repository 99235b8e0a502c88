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

	"github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"shop-monitor-backend/config"
	"shop-monitor-backend/internal/api"
	"shop-monitor-backend/internal/authz"
	"shop-monitor-backend/internal/db"
	"shop-monitor-backend/internal/devicetoken"
	"shop-monitor-backend/internal/lead"
	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/notification"
	"shop-monitor-backend/internal/outbox"
	"shop-monitor-backend/internal/session"
	"shop-monitor-backend/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "shopmonitord",
		Short:         "Shop floor machine access and session monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "./config/config.yaml"
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to the YAML configuration")

	root.AddCommand(serveCmd(), tokenCmd(), syncCmd(), nodeCmd())

	if err := root.Execute(); err != nil {
		log.Logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return gormDB, nil
}

func openTokens(cfg *config.Config) (*devicetoken.Service, error) {
	bolt, err := devicetoken.OpenBoltStore(cfg.Tokens.StorePath)
	if err != nil {
		return nil, err
	}
	svc, err := devicetoken.NewService(&cfg.Tokens, bolt)
	if err != nil {
		bolt.Close()
		return nil, err
	}
	return svc, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := log.WithComponent("main")
	logger.Info().Str("path", configPath).Msg("Configuration loaded")

	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("Database initialized")

	tokens, err := openTokens(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tokens.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close token store")
		}
	}()

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	} else {
		logger.Warn().Msg("VAPID keys not configured; alert push notifications are disabled")
	}

	appStore := store.NewGormStore(gormDB)
	ob := outbox.New(gormDB, cfg.Sync.SourceApp, cfg.Sync.TargetApp)
	leads := lead.NewController(appStore, ob)
	ledger := session.NewLedger(appStore, leads)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := api.Deps{
		Store:   appStore,
		Ledger:  ledger,
		Leads:   leads,
		Authz:   authz.NewService(gormDB, ob),
		Outbox:  ob,
		Tokens:  tokens,
		Lockout: devicetoken.NewLockout(cfg.Tokens.MaxFailedAttempts, cfg.Tokens.FailureWindow, cfg.Tokens.Lockout),
		WebPush: webpushOptions,
	}
	if webpushOptions != nil {
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		pool.Start(ctx)
		deps.Notifier = pool
	}

	router := api.NewRouter(api.NewHandler(deps), &cfg.Server)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received, stopping services...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		tokens.Run(gctx)
		return nil
	})
	g.Go(func() error {
		session.NewIdleMonitor(ledger, cfg.Sessions.IdleTimeout, cfg.Sessions.SweepInterval).Run(gctx)
		return nil
	})
	if cfg.Sync.Enabled {
		dispatcher := outbox.NewDispatcher(ob, outbox.NewClient(&cfg.Sync), cfg.Sync.Interval, cfg.Sync.BatchSize)
		g.Go(func() error {
			dispatcher.Run(gctx)
			return nil
		})
	} else {
		logger.Info().Msg("Partner sync disabled; events stay queued")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Server gracefully stopped")
	return nil
}

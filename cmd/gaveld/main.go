package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gavelhq/gavel/internal/auction"
	"github.com/gavelhq/gavel/internal/config"
	"github.com/gavelhq/gavel/internal/database"
	"github.com/gavelhq/gavel/internal/database/repositories"
	"github.com/gavelhq/gavel/internal/logger"
	"github.com/gavelhq/gavel/internal/realtime"
	"github.com/gavelhq/gavel/internal/server"
	"github.com/gavelhq/gavel/internal/utils"
)

var (
	version = "dev"
	commit  = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	path := flag.String("config", "config.toml", "path to config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}

	slog.SetDefault(slog.New(logger.NewHandler(cfg.Log.Level)))
	slog.Info("Starting gavel auction service",
		slog.String("version", version),
		slog.String("commit", commit))

	slog.Info("Initializing database connection...", slog.String("type", "db"))
	dbStartTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.New(ctx, database.DBConfig{
		Host:         cfg.DB.Host,
		Port:         cfg.DB.Port,
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Database:     cfg.DB.Database,
		PoolSize:     cfg.DB.PoolSize,
		MaxIdleConns: cfg.DB.MaxIdleConns,
		MaxLifetime:  cfg.DB.MaxLifetime,
	})
	if err != nil {
		slog.Error("Database connection failed",
			slog.String("type", "db"),
			slog.String("error", err.Error()),
			slog.Duration("attempted_for", time.Since(dbStartTime)))
		os.Exit(-1)
	}
	defer db.Close()

	slog.Info("Database connected successfully",
		slog.String("type", "db"),
		slog.String("database", cfg.DB.Database),
		slog.Duration("took", time.Since(dbStartTime)))

	if err := repositories.InitSchema(ctx, db.BunDB()); err != nil {
		slog.Error("Failed to initialize database schema",
			slog.String("type", "db"),
			slog.String("error", err.Error()))
		os.Exit(-1)
	}

	hub := realtime.NewHub()

	// Events go straight to the local hub unless Redis is configured, in
	// which case they take the pub/sub hop so every instance sees them.
	var publisher auction.Publisher = hub
	var bridge *realtime.RedisBridge
	if cfg.Redis.Enabled {
		bridge, err = realtime.NewRedisBridge(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, hub)
		if err != nil {
			slog.Error("Redis connection failed",
				slog.String("type", "hub"),
				slog.String("error", err.Error()))
			os.Exit(-1)
		}
		defer bridge.Close()
		publisher = bridge
		slog.Info("Redis event bridge enabled",
			slog.String("type", "hub"),
			slog.String("addr", cfg.Redis.Addr))
	}

	store := repositories.NewAuctionRepository(db.BunDB())
	engine := auction.NewEngine(store, publisher,
		auction.WithBidRetries(cfg.Auction.BidRetries),
		auction.WithDefaultMinIncrement(cfg.Auction.DefaultMinIncrement),
	)
	scheduler := auction.NewScheduler(store, publisher, cfg.Auction.TickInterval())
	srv := server.New(cfg.Server.ListenAddr, engine, realtime.NewHandler(hub))

	bpm := utils.NewBackgroundProcessManager()
	bpm.StartProcess("realtime-hub", "fans auction events out to websocket clients", func(ctx context.Context) {
		hub.Run(ctx)
	})
	bpm.StartProcess("lifecycle-scheduler", "applies due auction transitions", func(ctx context.Context) {
		scheduler.Run(ctx)
	})
	if bridge != nil {
		bpm.StartProcess("redis-bridge", "forwards redis events into the hub", func(ctx context.Context) {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Redis bridge stopped",
					slog.String("type", "hub"),
					slog.String("error", err.Error()))
			}
		})
	}

	g, runCtx := errgroup.WithContext(context.Background())
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			slog.Info("Received shutdown signal", slog.String("signal", s.String()))
		case <-runCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server exited with error", slog.String("error", err.Error()))
	}

	if err := bpm.Shutdown(shutdownTimeout); err != nil {
		slog.Warn("Background processes did not stop cleanly", slog.Any("error", err))
	}

	slog.Info("Shutdown complete")
}

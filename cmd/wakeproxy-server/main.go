package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/bcnelson/wakeproxy/internal/config"
	"github.com/bcnelson/wakeproxy/internal/pool"
	"github.com/bcnelson/wakeproxy/internal/proxy"
	"github.com/bcnelson/wakeproxy/internal/registry"
	"github.com/bcnelson/wakeproxy/internal/server"
	"github.com/bcnelson/wakeproxy/internal/shutdown"
	"github.com/bcnelson/wakeproxy/internal/tunnel"
	"github.com/bcnelson/wakeproxy/internal/wol"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open machine store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	sender := wol.NewSender(logger)
	sender.Repeat = cfg.WOLRepeat
	sender.Delay = cfg.WOLDelay
	waker := wol.NewWaker(sender, cfg.BroadcastAddr, wol.WaitOptions{
		MaxWait:        cfg.WakeTimeout,
		PollInterval:   cfg.PollInterval,
		ConnectTimeout: cfg.CheckTimeout,
	}, logger)

	connPool := pool.New(pool.Config{
		MaxPerDestination: cfg.PoolMaxPerDest,
		IdleTimeout:       cfg.PoolIdleTimeout,
		SweepInterval:     cfg.PoolSweepInterval,
		PermitTimeout:     cfg.PoolPermitTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
	}, logger)

	manager := proxy.NewManager(connPool, waker, tunnel.Options{
		ListenHost:   cfg.ListenHost,
		CheckTimeout: cfg.CheckTimeout,
	}, logger)

	srv := server.New(cfg, server.Deps{
		Registry:   registry.New(store, manager, logger),
		Manager:    manager,
		Pool:       connPool,
		Waker:      waker,
		Shutdowner: shutdown.NewClient(shutdown.Options{SSHKeyPath: cfg.SSHKeyPath}, logger),
	}, logger)

	if err := srv.Start(ctx); err != nil {
		logger.Error("server startup failed", "error", err)
		srv.Close()
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		return
	}
	logger.Info("received signal, shutting down")
}

// openStore returns the configured machine store and a function releasing it.
func openStore(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (registry.Store, func(), error) {
	if cfg.Store != "redis" {
		logger.Info("using file store", "path", cfg.DataFile)
		return registry.NewFileStore(cfg.DataFile), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	logger.Info("connected to Redis", "addr", cfg.RedisAddr, "key", cfg.RedisKey)
	return registry.NewRedisStore(rdb, cfg.RedisKey), func() { _ = rdb.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

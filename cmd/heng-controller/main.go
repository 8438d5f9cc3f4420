package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hengoj/heng/internal/controller/auth"
	"github.com/hengoj/heng/internal/controller/config"
	"github.com/hengoj/heng/internal/controller/external"
	"github.com/hengoj/heng/internal/controller/judgerd"
	"github.com/hengoj/heng/internal/controller/routes"
)

const configPath = "heng-controller.toml"

func main() {
	cfg, err := config.FromFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.Info("config loaded", "path", configPath, "address", cfg.Server.Address)

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to parse redis url: %v", err)
	}
	if cfg.Redis.MaxOpen > 0 {
		opts.PoolSize = cfg.Redis.MaxOpen
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
	}
	slog.Info("redis connected", "url", cfg.Redis.URL)

	judgers := judgerd.New(cfg)
	ext := external.New(rdb)
	authModule := auth.New(cfg, rdb)

	router := routes.New(judgers, ext, authModule)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket sessions hold the connection
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("controller listening", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

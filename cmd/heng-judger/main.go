package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hengoj/heng/internal/judger/client"
	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/judger/data"
	"github.com/hengoj/heng/internal/judger/executor"
	"github.com/hengoj/heng/internal/sandbox"
)

const configPath = "heng-judger.toml"

func main() {
	// the sandbox helper is this same binary; dispatch before anything else
	if len(os.Args) > 1 && os.Args[1] == sandbox.ChildArg {
		sandbox.ChildMain()
		return
	}

	cfg, err := config.FromFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.Info("config loaded", "path", configPath, "remote", cfg.Client.RemoteDomain)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to parse redis url: %v", err)
		}
		if cfg.Redis.MaxOpen > 0 {
			opts.PoolSize = cfg.Redis.MaxOpen
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, data cache index disabled", "error", err)
			rdb.Close()
			rdb = nil
		}
		cancel()
	}

	dataModule, err := data.New(cfg, rdb)
	if err != nil {
		log.Fatalf("Failed to init data module: %v", err)
	}

	exec, err := executor.New(cfg, dataModule)
	if err != nil {
		log.Fatalf("Failed to init executor: %v", err)
	}

	// reconnect with backoff; each Run is one full session
	backoff := time.Second
	for {
		err := client.Run(cfg, exec)
		if err != nil {
			slog.Error("session ended", "error", err)
		} else {
			slog.Info("session ended")
		}
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

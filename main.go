package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boardsaver/boardsaver/server"
	"github.com/boardsaver/boardsaver/server/config"
	middlewares "github.com/boardsaver/boardsaver/server/middleware"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		configFile  string
		writeConfig bool
		mintToken   string
	)
	flag.StringVar(&configFile, "conf", "./config.yml", "Config file path")
	flag.BoolVar(&writeConfig, "write-config", false, "Print the effective config as yaml and exit")
	flag.StringVar(&mintToken, "mint-token", "", "Print a 30 days api token for the given subject and exit")
	flag.Parse()

	// a .env next to the binary is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", slog.Any("err", err))
	}

	cfg := config.Instance()
	if err := config.Load(config.NewViper(configFile), cfg); err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	if cfg.Server.QueueSize <= 0 {
		cfg.Server.QueueSize = 2
	}

	if writeConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			slog.Error("failed to encode config", slog.Any("err", err))
			os.Exit(1)
		}
		return
	}

	if mintToken != "" {
		if cfg.Authentication.JWTSecret == "" {
			slog.Error("authentication.jwt_secret is not set")
			os.Exit(1)
		}
		token, err := middlewares.NewToken(mintToken, cfg.Authentication.JWTSecret, 30*24*time.Hour)
		if err != nil {
			slog.Error("failed to sign token", slog.Any("err", err))
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.Int("queue_size", cfg.Server.QueueSize),
	)

	if err := server.Run(ctx); err != nil {
		slog.Error("server stopped with error", slog.Any("err", err))
		os.Exit(1)
	}

	slog.Info("server exited cleanly")
}

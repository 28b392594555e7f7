// Command clouddrop-signal runs the CloudDrop signaling hub: the
// WebSocket room/relay server described by spec §4.2 and §6. It holds no
// file content and no private keys, only room membership and frame
// forwarding.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/x0tta6bl4/clouddrop/internal/config"
	"github.com/x0tta6bl4/clouddrop/internal/signaling"
)

func main() {
	configPath := flag.String("config", config.DefaultHubConfigPath, "path to hub config YAML")
	flag.Parse()

	cfg, err := config.LoadHubConfigFromFile(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	hub := signaling.NewHub()
	srv := signaling.NewServer(hub, cfg)

	logger.Info("clouddrop-signal starting", "addr", cfg.ListenAddr, "metrics", cfg.MetricsEnabled)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.Handler()); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

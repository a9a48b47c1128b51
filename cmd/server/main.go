package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/wattstream/config"
	"github.com/mbocsi/wattstream/logging"
	"github.com/mbocsi/wattstream/octopus"
	"github.com/mbocsi/wattstream/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err.Error())
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	var level *slog.LevelVar
	if cfg.Server.MCP {
		// stdout carries the MCP protocol.
		level = logging.SetupWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	} else {
		level = logging.Setup(cfg.Log.Level, cfg.Log.Format)
	}

	var source server.Source
	switch cfg.Server.Source {
	case "octopus":
		source = octopus.New(octopus.Config{
			APIKey:        cfg.Octopus.APIKey,
			AccountNumber: cfg.Octopus.AccountNumber,
			BaseURL:       cfg.Octopus.BaseURL,
			RatePerMinute: cfg.Octopus.RatePerMinute,
		})
	default:
		source = server.NewSimulatedSource()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(c *config.Config) {
				level.Set(logging.ParseLevel(c.Log.Level))
				slog.Info("Config reloaded", "log_level", c.Log.Level)
			})
			if err != nil {
				slog.Warn("Config watch stopped", "error", err.Error())
			}
		}()
	}

	feed := server.NewFeedServer(server.FeedServerOptions{
		Addr:         cfg.Server.Addr,
		Source:       source,
		PollInterval: cfg.Server.PollInterval,
		MaxClients:   cfg.Server.MaxClients,
		Advertise:    cfg.Server.Advertise,
		MCP:          cfg.Server.MCP,
	})

	slog.Info("Starting wattstream server", "source", cfg.Server.Source, "addr", cfg.Server.Addr)
	if err := feed.Start(ctx); err != nil {
		slog.Error("Error running wattstream server", "error", err.Error())
		os.Exit(1)
	}
}

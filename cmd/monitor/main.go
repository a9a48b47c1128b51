package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbocsi/wattstream/client"
	"github.com/mbocsi/wattstream/config"
	"github.com/mbocsi/wattstream/dashboard"
	"github.com/mbocsi/wattstream/logging"
	"github.com/mbocsi/wattstream/metrics"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup happens before exit.
func run() int {
	configPath := flag.String("config", "", "path to the YAML config file")
	url := flag.String("url", "", "feed URL, overrides client.url")
	discover := flag.Bool("discover", false, "find the feed over mDNS instead of using a URL")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err.Error())
		return 1
	}
	if *url != "" {
		cfg.Client.URL = *url
	}

	// stdout is the gauge.
	level := logging.SetupWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.Client.URL
	if *discover || addr == "" {
		service, err := client.DiscoverStreamService(5 * time.Second)
		if err != nil {
			slog.Error("Failed to discover feed", "error", err.Error())
			return 1
		}
		addr = service.URL()
	}

	transport := client.NewWebSocketTransport()
	transport.ReadTimeout = cfg.Client.ReadTimeout

	gauge := dashboard.NewGauge(os.Stdout)
	series := dashboard.NewSeries(cfg.Client.History)

	c := client.NewClient(addr, client.Options{
		Transport:  transport,
		Backoff:    backoffFromConfig(cfg.Client),
		MaxRetries: cfg.Client.MaxRetries,
	})
	c.OnReading(gauge.Update)
	c.OnReading(series.Add)
	c.OnStateChange(func(from, to client.State) {
		slog.Info("Connection state changed", "from", from.String(), "to", to.String())
	})
	c.OnError(func(err error) {
		if errors.Is(err, client.ErrMaxRetries) {
			slog.Error("Giving up on feed", "error", err.Error())
			return
		}
		slog.Debug("Stream client error", "error", err.Error())
	})

	if cfg.Client.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics.NewClientMetrics(reg).Instrument(c)
		go serveMetrics(ctx, cfg.Client.MetricsAddr, reg)
	}

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(updated *config.Config) {
				level.Set(logging.ParseLevel(updated.Log.Level))
			})
			if err != nil {
				slog.Warn("Config watch stopped", "error", err.Error())
			}
		}()
	}

	slog.Info("Starting monitor", "url", addr)
	c.Start()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	return monitor(ctx, c, ticker.C, func() {
		if series.Len() > 0 {
			slog.Info("Demand history", "points", series.Len(), "sparkline", series.Sparkline(60), "age", gauge.Age().Round(time.Second).String())
		}
	})
}

// monitor waits for ctx or the client to finish, calling onTick on every
// tick. It returns 0 after a requested shutdown and 1 when the client gave up.
func monitor(ctx context.Context, c *client.Client, ticks <-chan time.Time, onTick func()) int {
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			<-c.Done()
			return 0
		case <-c.Done():
			return 1
		case <-ticks:
			onTick()
		}
	}
}

func backoffFromConfig(cfg config.ClientConfig) client.Backoff {
	if cfg.Backoff == "fixed" {
		return client.FixedBackoff(cfg.InitialDelay)
	}
	b := client.NewExponentialBackoff()
	b.Initial = cfg.InitialDelay
	b.Max = cfg.MaxDelay
	b.Jitter = cfg.JitterEnabled()
	return b
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("Serving client metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server stopped", "error", err.Error())
	}
}

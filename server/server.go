package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbocsi/wattstream/metrics"
	"github.com/mbocsi/wattstream/proto"
)

type FeedServerOptions struct {
	Addr         string               // Listen address, e.g. "localhost:9090"
	Source       Source               // Required
	PollInterval time.Duration        // Optional (defaults to 10s)
	MaxClients   int                  // Optional (defaults to 16)
	Registry     *prometheus.Registry // Optional (defaults to a new registry)
	Advertise    bool                 // Announce the feed over mDNS
	MCP          bool                 // Serve MCP tools over stdio
}

// FeedServer polls a Source and streams readings to WebSocket clients.
type FeedServer struct {
	options   FeedServerOptions
	hub       *Hub
	poller    *Poller
	metrics   *metrics.ServerMetrics
	templates *Templates
	listener  net.Listener
}

func NewFeedServer(opts FeedServerOptions) *FeedServer {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(collectors.NewGoCollector())
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 16
	}

	m := metrics.NewServerMetrics(opts.Registry)
	hub := NewHub()
	hub.SetMaxClients(opts.MaxClients)
	hub.SetMetrics(m)

	poller := NewPoller(opts.Source, opts.PollInterval, hub.Publish)
	poller.OnError(func(kind string, err error) { m.SourceError(kind) })

	return &FeedServer{
		options:   opts,
		hub:       hub,
		poller:    poller,
		metrics:   m,
		templates: NewTemplates(),
	}
}

func (s *FeedServer) Hub() *Hub {
	return s.hub
}

func (s *FeedServer) Poller() *Poller {
	return s.poller
}

// Addr returns the bound address once Start is listening.
func (s *FeedServer) Addr() string {
	if s.listener == nil {
		return s.options.Addr
	}
	return s.listener.Addr().String()
}

func (s *FeedServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.HandleHome)
	r.Handle(proto.StreamPath, s.hub)
	r.Get("/api/latest", s.HandleLatest)
	r.Get("/api/clients", s.HandleClients)
	r.Get("/healthz", s.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.options.Registry, promhttp.HandlerOpts{}))
	return r
}

// Listen binds the listen address so Addr reports the real port before
// Serve is called.
func (s *FeedServer) Listen() error {
	ln, err := net.Listen("tcp", s.options.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Start serves the feed until ctx is cancelled, then shuts everything down.
func (s *FeedServer) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	httpServer := &http.Server{Handler: s.Routes()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting feed server", "addr", s.Addr())
		if err := httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go s.poller.Run(pollCtx)

	if s.options.Advertise {
		advertiser, err := Advertise(s.Addr())
		if err != nil {
			slog.Warn("mDNS advertisement disabled", "error", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	if s.options.MCP {
		go func() {
			if err := NewMCPServer(s).Start(); err != nil {
				slog.Error("MCP server stopped", "error", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	slog.Info("Shutting down feed server")
	cancelPoll()
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("There was an error when shutting down feed server", "error", shutdownErr.Error())
	}
	return err
}

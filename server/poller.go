package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mbocsi/wattstream/octopus"
	"github.com/mbocsi/wattstream/proto"
)

// Source yields the current consumption reading.
type Source interface {
	LiveConsumption(ctx context.Context) (proto.ConsumptionReading, error)
}

type SourceFunc func(ctx context.Context) (proto.ConsumptionReading, error)

func (f SourceFunc) LiveConsumption(ctx context.Context) (proto.ConsumptionReading, error) {
	return f(ctx)
}

// Poller polls a Source at a fixed interval and publishes each new reading.
type Poller struct {
	source   Source
	interval time.Duration
	publish  func(proto.ConsumptionReading)
	onError  func(kind string, err error)

	mu     sync.RWMutex
	latest proto.ConsumptionReading
	has    bool
}

func NewPoller(source Source, interval time.Duration, publish func(proto.ConsumptionReading)) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{source: source, interval: interval, publish: publish}
}

// OnError must be set before Run or Poll is called.
func (p *Poller) OnError(fn func(kind string, err error)) {
	p.onError = fn
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("Poller started", "interval", p.interval)
	defer slog.Info("Poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches one reading. Readings with the same timestamp as the last one
// are not published again. Source errors are logged and never stop polling.
func (p *Poller) Poll(ctx context.Context) {
	reading, err := p.source.LiveConsumption(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := "source"
		switch {
		case errors.Is(err, octopus.ErrSkippingRequest):
			kind = "paused"
			slog.Debug("Source paused", "error", err)
		case errors.Is(err, octopus.ErrTooManyRequests):
			kind = "rate_limited"
			slog.Warn("Source rate limited", "error", err)
		default:
			slog.Error("Failed to read source", "error", err)
		}
		if p.onError != nil {
			p.onError(kind, err)
		}
		return
	}

	p.mu.Lock()
	if p.has && p.latest.Timestamp == reading.Timestamp {
		p.mu.Unlock()
		slog.Debug("Reading unchanged", "timestamp", reading.Timestamp)
		return
	}
	p.latest = reading
	p.has = true
	p.mu.Unlock()

	if p.publish != nil {
		p.publish(reading)
	}
}

func (p *Poller) Latest() (proto.ConsumptionReading, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.has
}

// SimulatedSource produces a random walk around a household base load.
type SimulatedSource struct {
	Base   float64
	Spread float64

	mu     sync.Mutex
	demand float64
	total  float64
	last   time.Time
	now    func() time.Time
}

func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{Base: 450, Spread: 150, now: time.Now}
}

func (s *SimulatedSource) LiveConsumption(ctx context.Context) (proto.ConsumptionReading, error) {
	if err := ctx.Err(); err != nil {
		return proto.ConsumptionReading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	if s.demand == 0 {
		s.demand = s.Base
	}

	// Drift back towards the base load with some noise.
	s.demand += (s.Base-s.demand)*0.2 + (rand.Float64()*2-1)*s.Spread*0.5
	s.demand = math.Max(0, math.Round(s.demand))

	if !s.last.IsZero() {
		s.total += s.demand * now.Sub(s.last).Hours()
	}
	s.last = now

	reading := proto.NewReading(now, s.demand)
	reading.TotalConsumption = math.Round(s.total)
	return reading, nil
}

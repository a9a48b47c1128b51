// Package dashboard holds the consumers that render a live reading feed:
// a gauge for the latest demand and a bounded series for charting it.
package dashboard

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/mbocsi/wattstream/proto"
)

// Gauge keeps the last-known demand. While the feed is down it keeps showing
// the stale value until a fresh reading arrives.
type Gauge struct {
	mu      sync.RWMutex
	out     io.Writer
	reading proto.ConsumptionReading
	seen    bool
	updated time.Time
	now     func() time.Time
}

// NewGauge returns a gauge that writes one line per update to out. A nil out
// only records the value.
func NewGauge(out io.Writer) *Gauge {
	return &Gauge{out: out, now: time.Now}
}

// Update satisfies client.ReadingHandler.
func (g *Gauge) Update(r proto.ConsumptionReading) error {
	g.mu.Lock()
	g.reading = r
	g.seen = true
	g.updated = g.now()
	out := g.out
	g.mu.Unlock()

	if out == nil {
		return nil
	}
	_, err := fmt.Fprintf(out, "Using %sW\n", FormatWatts(r.Demand))
	return err
}

// Latest returns the most recent reading and whether one has been seen.
func (g *Gauge) Latest() (proto.ConsumptionReading, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reading, g.seen
}

// Text is the value shown to the user, "-" before the first reading.
func (g *Gauge) Text() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.seen {
		return "-"
	}
	return FormatWatts(g.reading.Demand)
}

// Age reports how long ago the gauge last changed.
func (g *Gauge) Age() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.seen {
		return 0
	}
	return g.now().Sub(g.updated)
}

func FormatWatts(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}

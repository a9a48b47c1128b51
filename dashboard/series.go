package dashboard

import (
	"slices"
	"strings"
	"sync"

	"github.com/mbocsi/wattstream/proto"
)

const DefaultCapacity = 300

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Point is one chart sample: X is epoch milliseconds, Y demand in watts.
type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// Series is a bounded time series of demand. Once full, the oldest point is
// dropped for each new one.
type Series struct {
	mu       sync.RWMutex
	capacity int
	points   []Point
}

func NewSeries(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Series{capacity: capacity, points: make([]Point, 0, capacity)}
}

// Add satisfies client.ReadingHandler.
func (s *Series) Add(r proto.ConsumptionReading) error {
	p := Point{X: r.Time().UnixMilli(), Y: r.Demand}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) == s.capacity {
		copy(s.points, s.points[1:])
		s.points = s.points[:len(s.points)-1]
	}
	s.points = append(s.points, p)
	return nil
}

func (s *Series) Points() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.points)
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Sparkline renders the last width points as block characters scaled between
// zero and the window's peak.
func (s *Series) Sparkline(width int) string {
	points := s.Points()
	if width > 0 && len(points) > width {
		points = points[len(points)-width:]
	}
	if len(points) == 0 {
		return ""
	}

	peak := 0.0
	for _, p := range points {
		peak = max(peak, p.Y)
	}

	var sb strings.Builder
	for _, p := range points {
		idx := 0
		if peak > 0 && p.Y > 0 {
			idx = int(p.Y / peak * float64(len(sparkBlocks)-1))
		}
		sb.WriteRune(sparkBlocks[idx])
	}
	return sb.String()
}

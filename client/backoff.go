package client

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultFactor       = 2.0
)

// Backoff decides how long to wait before the next connection attempt.
// attempt counts consecutive failed attempts since the last successful
// connection, starting at 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same delay before every attempt.
type FixedBackoff time.Duration

func (b FixedBackoff) Delay(int) time.Duration {
	return time.Duration(b)
}

// ExponentialBackoff grows the delay by Factor per attempt up to Max. With
// Jitter set, the delay is drawn uniformly from [0, computed].
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  bool

	mu   sync.Mutex
	rand func() float64
}

func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial: DefaultInitialDelay,
		Max:     DefaultMaxDelay,
		Factor:  DefaultFactor,
		Jitter:  true,
	}
}

func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	initial, ceiling, factor := b.Initial, b.Max, b.Factor
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	if ceiling < initial {
		ceiling = initial
	}
	if factor < 1 {
		factor = DefaultFactor
	}

	d := float64(initial)
	for i := 1; i < attempt && d < float64(ceiling); i++ {
		d *= factor
	}
	if d > float64(ceiling) {
		d = float64(ceiling)
	}

	if b.Jitter {
		d *= b.random()
	}
	return time.Duration(d)
}

func (b *ExponentialBackoff) random() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rand != nil {
		return b.rand()
	}
	return rand.Float64()
}

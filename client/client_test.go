package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/wattstream/proto"
)

// MockConn is an in-memory connection fed through Deliver.
type MockConn struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMockConn() *MockConn {
	return &MockConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (mc *MockConn) Deliver(payload string) {
	mc.msgs <- []byte(payload)
}

func (mc *MockConn) Read() ([]byte, error) {
	select {
	case msg := <-mc.msgs:
		return msg, nil
	case <-mc.closed:
		return nil, io.EOF
	}
}

func (mc *MockConn) Close() error {
	mc.closeOnce.Do(func() { close(mc.closed) })
	return nil
}

func (mc *MockConn) IsClosed() bool {
	select {
	case <-mc.closed:
		return true
	default:
		return false
	}
}

// MockTransport hands out a fresh MockConn per dial, or fails while failDials
// is positive. With block set, Dial waits for release (or ctx) before
// returning, ignoring cancellation when ignoreCtx is set.
type MockTransport struct {
	mu        sync.Mutex
	dials     int
	failDials int
	dialErr   error
	block     bool
	ignoreCtx bool
	release   chan struct{}
	conns     chan *MockConn
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		conns:   make(chan *MockConn, 16),
		release: make(chan struct{}),
		dialErr: errors.New("connection refused"),
	}
}

func (mt *MockTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	mt.mu.Lock()
	mt.dials++
	fail := mt.failDials > 0
	if fail {
		mt.failDials--
	}
	block, ignoreCtx := mt.block, mt.ignoreCtx
	mt.mu.Unlock()

	if block {
		if ignoreCtx {
			<-mt.release
		} else {
			select {
			case <-mt.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if fail {
		return nil, mt.dialErr
	}
	conn := NewMockConn()
	mt.conns <- conn
	return conn, nil
}

func (mt *MockTransport) Dials() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.dials
}

func (mt *MockTransport) SetFailDials(n int) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.failDials = n
}

func (mt *MockTransport) NextConn(t *testing.T) *MockConn {
	t.Helper()
	select {
	case conn := <-mt.conns:
		return conn
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for a connection")
		return nil
	}
}

type transitionRecord struct {
	from, to State
}

func recordTransitions(c *Client) chan transitionRecord {
	ch := make(chan transitionRecord, 256)
	c.OnStateChange(func(from, to State) {
		ch <- transitionRecord{from, to}
	})
	return ch
}

func waitForState(t *testing.T, ch chan transitionRecord, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case rec := <-ch:
			if rec.to == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for state %s", want)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(transport Transport, delay time.Duration) *Client {
	return NewClient("ws://test/ws", Options{
		Transport: transport,
		Backoff:   FixedBackoff(delay),
		Logger:    quietLogger(),
	})
}

func TestClient_ReadingThenReconnect(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, 100*time.Millisecond)
	transitions := recordTransitions(c)

	readings := make(chan proto.ConsumptionReading, 1)
	c.OnReading(func(r proto.ConsumptionReading) error {
		readings <- r
		return nil
	})
	c.Start()
	defer c.Stop()

	conn := transport.NextConn(t)
	waitForState(t, transitions, Connected, time.Second)

	conn.Deliver(`{"timestamp":"2024-01-01T00:00:00Z","demand":1500}`)

	select {
	case r := <-readings:
		if r.Timestamp != "2024-01-01T00:00:00Z" {
			t.Errorf("Expected timestamp 2024-01-01T00:00:00Z, got %s", r.Timestamp)
		}
		if r.Demand != 1500 {
			t.Errorf("Expected demand 1500, got %v", r.Demand)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber did not receive reading")
	}

	conn.Close()
	waitForState(t, transitions, Reconnecting, time.Second)
	if c.State() != Reconnecting {
		t.Errorf("Expected state reconnecting, got %s", c.State())
	}

	start := time.Now()
	waitForState(t, transitions, Connecting, time.Second)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected reconnect within the delay window, took %v", elapsed)
	}
	transport.NextConn(t)
}

func TestClient_MalformedPayloadDropped(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, time.Second)
	transitions := recordTransitions(c)

	var mu sync.Mutex
	invoked := 0
	c.OnReading(func(r proto.ConsumptionReading) error {
		mu.Lock()
		invoked++
		mu.Unlock()
		return nil
	})
	errs := make(chan error, 16)
	c.OnError(func(err error) { errs <- err })

	c.Start()
	defer c.Stop()

	conn := transport.NextConn(t)
	waitForState(t, transitions, Connected, time.Second)

	malformed := []string{
		`{"timestamp":"2024-01-01T00:00:00Z"}`,
		`{"timestamp":"2024-01-01T00:00:00Z","demand":"lots"}`,
		`{"timestamp":"not a time","demand":1}`,
		`Value is 1`,
	}
	for _, payload := range malformed {
		conn.Deliver(payload)
	}

	for range malformed {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Expected ErrMalformedPayload, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Expected a malformed payload diagnostic")
		}
	}

	mu.Lock()
	if invoked != 0 {
		t.Errorf("Expected no subscriber invocations, got %d", invoked)
	}
	mu.Unlock()

	if c.State() != Connected {
		t.Errorf("Expected state connected, got %s", c.State())
	}
	if transport.Dials() != 1 {
		t.Errorf("Expected a single dial, got %d", transport.Dials())
	}
}

func TestClient_SubscribersInRegistrationOrder(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, time.Second)

	const n = 5
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := range n {
		c.OnReading(func(r proto.ConsumptionReading) error {
			mu.Lock()
			order = append(order, i)
			count := len(order)
			mu.Unlock()
			if count == n {
				close(done)
			}
			return nil
		})
	}

	c.Start()
	defer c.Stop()

	conn := transport.NextConn(t)
	conn.Deliver(`{"timestamp":"2024-01-01T00:00:00Z","demand":1}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Not all subscribers were invoked")
	}

	// Let any duplicate invocation surface.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("Expected %d invocations, got %d", n, len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("Expected subscriber %d at position %d, got %d", i, i, got)
		}
	}
}

func TestClient_SubscriberFailureIsolated(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, time.Second)
	transitions := recordTransitions(c)

	errChart := errors.New("chart unavailable")
	c.OnReading(func(r proto.ConsumptionReading) error {
		return errChart
	})
	c.OnReading(func(r proto.ConsumptionReading) error {
		panic("gauge exploded")
	})
	received := make(chan float64, 2)
	c.OnReading(func(r proto.ConsumptionReading) error {
		received <- r.Demand
		return nil
	})

	errs := make(chan error, 4)
	c.OnError(func(err error) { errs <- err })

	c.Start()
	defer c.Stop()

	conn := transport.NextConn(t)
	waitForState(t, transitions, Connected, time.Second)
	conn.Deliver(`{"timestamp":"2024-01-01T00:00:00Z","demand":7}`)
	conn.Deliver(`{"timestamp":"2024-01-01T00:00:01Z","demand":8}`)

	for _, want := range []float64{7, 8} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("Expected demand %v, got %v", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("Healthy subscriber was not invoked")
		}
	}

	causes := 0
	for range 4 {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrSubscriberCallback) {
				t.Errorf("Expected ErrSubscriberCallback, got %v", err)
			}
			if errors.Is(err, errChart) {
				causes++
			}
		case <-time.After(time.Second):
			t.Fatal("Expected subscriber error diagnostics")
		}
	}
	if causes != 2 {
		t.Errorf("Expected the subscriber's own error to be wrapped twice, got %d", causes)
	}

	if c.State() != Connected {
		t.Errorf("Expected state connected, got %s", c.State())
	}
}

func TestClient_ReconnectsIndefinitely(t *testing.T) {
	transport := NewMockTransport()
	transport.SetFailDials(1000)
	c := newTestClient(transport, 10*time.Millisecond)
	transitions := recordTransitions(c)

	errs := make(chan error, 1024)
	c.OnError(func(err error) { errs <- err })

	c.Start()

	for i := 0; i < 5; i++ {
		waitForState(t, transitions, Connecting, time.Second)
		waitForState(t, transitions, Reconnecting, time.Second)
	}

	c.Stop()
	<-c.Done()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrTransportOpen) {
			t.Errorf("Expected ErrTransportOpen, got %v", err)
		}
		if !errors.Is(err, transport.dialErr) {
			t.Errorf("Expected the dial error to be wrapped, got %v", err)
		}
	default:
		t.Error("Expected open failures to be reported")
	}
}

func TestClient_StopDuringReconnectingCancelsRetry(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, 200*time.Millisecond)
	transitions := recordTransitions(c)
	c.Start()

	conn := transport.NextConn(t)
	waitForState(t, transitions, Connected, time.Second)
	conn.Close()
	waitForState(t, transitions, Reconnecting, time.Second)

	c.Stop()
	if c.State() != Disconnected {
		t.Errorf("Expected state disconnected right after Stop, got %s", c.State())
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Client goroutine did not exit")
	}

	time.Sleep(300 * time.Millisecond)

	if transport.Dials() != 1 {
		t.Errorf("Expected no further dials after Stop, got %d", transport.Dials())
	}
	for {
		select {
		case rec := <-transitions:
			if rec.to == Connecting {
				t.Errorf("Unexpected transition to connecting after Stop")
			}
			continue
		default:
		}
		break
	}
}

func TestClient_StopDuringDial(t *testing.T) {
	transport := NewMockTransport()
	transport.block = true
	transport.ignoreCtx = true
	c := newTestClient(transport, time.Millisecond)
	transitions := recordTransitions(c)

	invoked := make(chan struct{}, 1)
	c.OnReading(func(r proto.ConsumptionReading) error {
		invoked <- struct{}{}
		return nil
	})

	c.Start()
	waitForState(t, transitions, Connecting, time.Second)

	c.Stop()
	close(transport.release)

	conn := transport.NextConn(t)
	conn.Deliver(`{"timestamp":"2024-01-01T00:00:00Z","demand":1}`)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Client goroutine did not exit")
	}

	if !conn.IsClosed() {
		t.Error("Expected connection opened after Stop to be closed")
	}
	select {
	case <-invoked:
		t.Error("Subscriber invoked after Stop")
	default:
	}
	for {
		select {
		case rec := <-transitions:
			if rec.to == Connected {
				t.Error("Unexpected transition to connected after Stop")
			}
			continue
		default:
		}
		break
	}
	if c.State() != Disconnected {
		t.Errorf("Expected state disconnected, got %s", c.State())
	}
}

func TestClient_StopCancelsDialContext(t *testing.T) {
	transport := NewMockTransport()
	transport.block = true
	c := newTestClient(transport, time.Millisecond)
	transitions := recordTransitions(c)
	c.Start()
	waitForState(t, transitions, Connecting, time.Second)

	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Dial was not cancelled by Stop")
	}
}

func TestClient_StopClosesActiveConnection(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, time.Millisecond)
	transitions := recordTransitions(c)
	c.Start()

	conn := transport.NextConn(t)
	waitForState(t, transitions, Connected, time.Second)

	c.Stop()
	c.Stop()

	<-c.Done()
	if !conn.IsClosed() {
		t.Error("Expected active connection to be closed")
	}
	waitForState(t, transitions, Disconnected, time.Second)
	if transport.Dials() != 1 {
		t.Errorf("Expected 1 dial, got %d", transport.Dials())
	}
}

func TestClient_StopFromHandler(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, time.Millisecond)

	var calls int
	c.OnReading(func(r proto.ConsumptionReading) error {
		calls++
		c.Stop()
		return nil
	})
	c.OnReading(func(r proto.ConsumptionReading) error {
		t.Error("Subscriber after Stop should not run")
		return nil
	})
	c.Start()

	conn := transport.NextConn(t)
	conn.Deliver(`{"timestamp":"2024-01-01T00:00:00Z","demand":1}`)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Client goroutine did not exit")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestClient_StopBeforeStart(t *testing.T) {
	transport := NewMockTransport()
	c := newTestClient(transport, time.Millisecond)
	c.Stop()
	c.Start()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected Done to be closed")
	}
	if transport.Dials() != 0 {
		t.Errorf("Expected no dials, got %d", transport.Dials())
	}
}

func TestClient_MaxRetries(t *testing.T) {
	transport := NewMockTransport()
	transport.SetFailDials(100)
	c := NewClient("ws://test/ws", Options{
		Transport:  transport,
		Backoff:    FixedBackoff(time.Millisecond),
		MaxRetries: 3,
		Logger:     quietLogger(),
	})

	var gaveUp error
	var mu sync.Mutex
	c.OnError(func(err error) {
		if errors.Is(err, ErrMaxRetries) {
			mu.Lock()
			gaveUp = err
			mu.Unlock()
		}
	})
	c.Start()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Client did not give up")
	}

	if transport.Dials() != 4 {
		t.Errorf("Expected 4 dials (1 + 3 retries), got %d", transport.Dials())
	}
	mu.Lock()
	defer mu.Unlock()
	if gaveUp == nil {
		t.Error("Expected ErrMaxRetries to be reported")
	}
}

func TestClient_TransitionsFollowStateMachine(t *testing.T) {
	transport := NewMockTransport()
	transport.SetFailDials(2)
	c := newTestClient(transport, time.Millisecond)

	var mu sync.Mutex
	var history []transitionRecord
	c.OnStateChange(func(from, to State) {
		mu.Lock()
		history = append(history, transitionRecord{from, to})
		mu.Unlock()
	})
	transitions := recordTransitions(c)
	c.Start()

	conn := transport.NextConn(t)
	waitForState(t, transitions, Connected, time.Second)
	conn.Close()
	transport.NextConn(t)
	waitForState(t, transitions, Connected, time.Second)
	c.Stop()
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()

	want := []State{
		Connecting, Reconnecting, // first failed dial
		Connecting, Reconnecting, // second failed dial
		Connecting, Connected,
		Reconnecting, Connecting, Connected,
		Disconnected,
	}
	if len(history) != len(want) {
		t.Fatalf("Expected %d transitions, got %d: %v", len(want), len(history), history)
	}

	prev := Disconnected
	for i, rec := range history {
		if rec.from != prev {
			t.Errorf("Transition %d from %s does not continue from %s", i, rec.from, prev)
		}
		if !validTransition(rec.from, rec.to) {
			t.Errorf("Invalid transition %s -> %s", rec.from, rec.to)
		}
		if rec.to != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], rec.to)
		}
		prev = rec.to
	}
}

func TestConnect_RegistersAndStarts(t *testing.T) {
	transport := NewMockTransport()
	readings := make(chan proto.ConsumptionReading, 1)
	c := Connect("ws://test/ws", func(r proto.ConsumptionReading) error {
		readings <- r
		return nil
	}, Options{Transport: transport, Backoff: FixedBackoff(time.Millisecond), Logger: quietLogger()})
	defer c.Stop()

	conn := transport.NextConn(t)
	conn.Deliver(`{"timestamp":"1704067200","demand":42}`)

	select {
	case r := <-readings:
		if r.Demand != 42 || r.Timestamp != "1704067200" {
			t.Errorf("Unexpected reading %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Reading not delivered")
	}
}

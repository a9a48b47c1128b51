package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/wattstream/proto"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:9090/ws", "ws://localhost:9090/ws"},
		{"localhost:9090", "ws://localhost:9090/ws"},
		{"127.0.0.1:9090", "ws://127.0.0.1:9090/ws"},
		{"http://example.com:9090", "ws://example.com:9090/ws"},
		{"https://example.com/feed", "wss://example.com/feed"},
		{"tcp://10.0.0.2:9090", "ws://10.0.0.2:9090/ws"},
		{"wss://example.com/ws", "wss://example.com/ws"},
	}

	for _, test := range tests {
		got, err := NormalizeURL(test.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q) returned error %v", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", test.in, got, test.want)
		}
	}

	if _, err := NormalizeURL("ftp://example.com"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketTransport_ReadsTextAndBinary(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"timestamp":"2024-01-01T00:00:00Z","demand":1}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"timestamp":"2024-01-01T00:00:01Z","demand":2}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	})

	transport := NewWebSocketTransport()
	conn, err := transport.Dial(context.Background(), strings.Replace(srv.URL, "http", "ws", 1)+"/ws")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	for _, want := range []string{"1}", "2}"} {
		data, err := conn.Read()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !strings.HasSuffix(string(data), want) {
			t.Errorf("Expected message ending in %s, got %s", want, data)
		}
	}

	if _, err := conn.Read(); err == nil {
		t.Error("Expected error after server close")
	}
}

func TestWebSocketTransport_ReadTimeout(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		// Hold the connection open without sending anything.
		conn.ReadMessage()
	})

	transport := NewWebSocketTransport()
	transport.ReadTimeout = 100 * time.Millisecond

	conn, err := transport.Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.Read(); err == nil {
		t.Fatal("Expected idle read to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Idle timeout took too long: %v", elapsed)
	}
}

func TestWebSocketTransport_DialFailure(t *testing.T) {
	transport := NewWebSocketTransport()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := transport.Dial(ctx, "ws://127.0.0.1:1/ws"); err == nil {
		t.Error("Expected dial to a closed port to fail")
	}
}

func TestClient_OverWebSocket(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"timestamp":"2024-01-01T00:00:00Z","demand":1500}`))
		// Drop the connection so the client reconnects.
	})

	transport := NewWebSocketTransport()
	c := NewClient(srv.URL, Options{Transport: transport, Backoff: FixedBackoff(20 * time.Millisecond), Logger: quietLogger()})
	transitions := recordTransitions(c)

	readings := make(chan float64, 8)
	c.OnReading(func(r proto.ConsumptionReading) error {
		readings <- r.Demand
		return nil
	})
	c.Start()
	defer c.Stop()

	for i := 0; i < 2; i++ {
		select {
		case d := <-readings:
			if d != 1500 {
				t.Errorf("Expected demand 1500, got %v", d)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Expected a reading on each connection")
		}
	}
	waitForState(t, transitions, Reconnecting, time.Second)
}

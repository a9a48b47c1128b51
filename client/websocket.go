package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbocsi/wattstream/proto"
)

const DefaultPath = proto.StreamPath

type WebSocketTransport struct {
	Dialer *websocket.Dialer

	// ReadTimeout closes a connection that delivers no frame, data or ping,
	// within the given duration. Zero disables idle detection.
	ReadTimeout time.Duration
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{Dialer: websocket.DefaultDialer}
}

// NormalizeURL turns a host, host:port or http(s) URL into a WebSocket URL.
func NormalizeURL(addr string) (string, error) {
	// "localhost:9090" parses as scheme "localhost" with an opaque part and
	// "127.0.0.1:9090" does not parse at all; both are bare host:port.
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Opaque != "" || u.Host == "" {
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return "", fmt.Errorf("invalid WebSocket URL: %w", err)
		}
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http", "tcp":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	if u.Path == "" {
		u.Path = DefaultPath
	}
	return u.String(), nil
}

func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	target, err := NormalizeURL(addr)
	if err != nil {
		return nil, err
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	wc := &wsConn{conn: conn, readTimeout: t.ReadTimeout}
	if wc.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(wc.readTimeout))
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(wc.readTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		})
	}
	return wc, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("WebSocket connection error: %w", err)
			}
			return nil, fmt.Errorf("connection closed: %w", err)
		}
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil && err != websocket.ErrCloseSent {
		// Still close the socket below.
		slog.Debug("Failed to send close message", "error", err)
	}
	return c.conn.Close()
}

package client

import "context"

// Transport opens connections to a reading feed. Each call to Dial yields an
// independent Conn; the client holds at most one at a time.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

type Conn interface {
	Read() ([]byte, error) // blocks until the next message, returns an error once closed
	Close() error
}

package client

import (
	"errors"

	"github.com/mbocsi/wattstream/proto"
)

var (
	ErrTransportOpen      = errors.New("transport open failed")
	ErrTransportClosed    = errors.New("transport closed unexpectedly")
	ErrSubscriberCallback = errors.New("subscriber callback failed")
	ErrMaxRetries         = errors.New("max reconnect attempts reached")

	// Re-exported so callers of this package need not import proto to match it.
	ErrMalformedPayload = proto.ErrMalformedPayload
)

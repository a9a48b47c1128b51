package proto

const (
	// ServiceType is the mDNS service a reading feed advertises.
	ServiceType = "_wattstream-ws._tcp"
	// StreamPath is where the feed is served over WebSocket.
	StreamPath = "/ws"
	// PathTXTKey carries the stream path in the mDNS TXT record ("path=/ws").
	PathTXTKey = "path"
)

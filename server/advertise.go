package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/hashicorp/mdns"

	"github.com/mbocsi/wattstream/proto"
)

// Advertise announces the feed on the local network so monitors can find it
// without a configured URL. Call Shutdown on the result to withdraw it.
func Advertise(addr string) (*mdns.Server, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "wattstream"
	}

	service, err := mdns.NewMDNSService(instance, proto.ServiceType, "", "", port, nil, []string{
		proto.PathTXTKey + "=" + proto.StreamPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	slog.Info("Advertising feed over mDNS", "service", proto.ServiceType, "instance", instance, "port", port)
	return server, nil
}

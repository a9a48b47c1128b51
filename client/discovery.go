package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/mbocsi/wattstream/proto"
)

// DiscoveredService represents a discovered reading feed server
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Path        string
	TXTRecords  []string
}

// URL returns the WebSocket URL of the discovered feed.
func (s *DiscoveredService) URL() string {
	path := s.Path
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port)) + path
}

// DiscoverStreamService returns the first reading feed found on the local
// network, or an error when none answers within timeout.
func DiscoverStreamService(timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	params := mdns.DefaultParams(proto.ServiceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	// Start discovery in background
	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Warn("mDNS query failed", "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", proto.ServiceType)
		}
		return serviceFromEntry(entry)
	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", proto.ServiceType)
	}
}

func serviceFromEntry(entry *mdns.ServiceEntry) (*DiscoveredService, error) {
	var address string
	if entry.AddrV4 != nil {
		address = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		address = entry.AddrV6.String()
	} else {
		return nil, fmt.Errorf("no valid address found for service")
	}

	service := &DiscoveredService{
		ServiceName: entry.Name,
		Address:     address,
		Port:        entry.Port,
		TXTRecords:  entry.InfoFields,
	}
	for _, field := range entry.InfoFields {
		if path, ok := strings.CutPrefix(field, proto.PathTXTKey+"="); ok {
			service.Path = path
		}
	}

	slog.Info("Discovered wattstream server",
		"service_name", service.ServiceName,
		"address", service.Address,
		"port", service.Port,
		"url", service.URL(),
	)

	return service, nil
}

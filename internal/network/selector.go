package network

import (
	"context"
	"log/slog"
	"net"

	"github.com/cochaviz/keel/internal/logging"
)

// LeaseServer starts the DHCP responder for bridge mode.
type LeaseServer interface {
	Start(ctx context.Context, lease Lease) error
}

// Selector decides between bridge and NAT mode once per boot.
type Selector struct {
	Host       Host
	DHCP       LeaseServer
	Candidates []string
	Helper     string
	ACLFile    string
	// GuestIP overrides the address derived from the bridge subnet.
	GuestIP    net.IP
	MAC        string
	DNSServer  string
	GuestPorts Ports
	HostPorts  Ports
	// DryRun reports the mode that would be chosen without granting bridge
	// access or starting the DHCP responder.
	DryRun bool
	Logger *slog.Logger
}

// Select probes the host and returns the chosen mode. Bridge problems are
// never fatal; the only error is ctx cancellation.
func (s *Selector) Select(ctx context.Context) (Mode, error) {
	logger := logging.Ensure(s.Logger).With("component", "network")

	bridge, reason := s.tryBridge(ctx, logger)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bridge != nil {
		logger.Info("network mode selected", "mode", KindBridge, "detail", bridge.Describe())
		return bridge, nil
	}

	nat := &NAT{MAC: s.MAC, Rules: NATRules(s.HostPorts, s.GuestPorts)}
	logger.Info("network mode selected", "mode", KindNAT, "reason", reason, "detail", nat.Describe())
	return nat, nil
}

func (s *Selector) tryBridge(ctx context.Context, logger *slog.Logger) (*Bridge, string) {
	name := ""
	for _, candidate := range s.Candidates {
		exists, err := s.Host.BridgeExists(candidate)
		if err != nil {
			logger.Debug("bridge probe failed", "bridge", candidate, "error", err)
			continue
		}
		if exists {
			name = candidate
			break
		}
	}
	if name == "" {
		return nil, "no candidate bridge present"
	}
	logger = logger.With("bridge", name)

	if s.Helper == "" || !s.Host.FileExists(s.Helper) {
		return nil, "bridge helper " + s.Helper + " not found"
	}

	subnet, err := s.Host.BridgeAddr(name)
	if err != nil {
		logger.Warn("cannot read bridge address", "error", err)
		return nil, "bridge has no usable IPv4 address"
	}
	guestIP := s.GuestIP
	if guestIP == nil {
		if guestIP, err = GuestAddress(subnet); err != nil {
			logger.Warn("cannot derive guest address", "error", err)
			return nil, "no guest address available on bridge subnet"
		}
	}

	bridge := &Bridge{Name: name, GuestIP: guestIP, MAC: s.MAC, Helper: s.Helper, Ports: s.GuestPorts}
	if s.DryRun {
		return bridge, ""
	}

	if err := s.Host.EnsureBridgeAllowed(s.ACLFile, name); err != nil {
		logger.Warn("cannot grant bridge access", "acl", s.ACLFile, "error", err)
		return nil, "bridge access could not be granted"
	}
	if s.DHCP == nil {
		return nil, "no dhcp responder configured"
	}
	router := s.Host.DefaultGateway(name)
	if router == nil {
		router = subnet.IP
	}
	lease := Lease{
		Interface: name,
		MAC:       s.MAC,
		IP:        guestIP,
		Subnet:    subnet,
		Router:    router,
		DNS:       s.DNSServer,
	}
	if err := s.DHCP.Start(ctx, lease); err != nil {
		logger.Warn("dhcp responder failed to start", "error", err)
		return nil, "dhcp responder failed to start"
	}
	return bridge, ""
}

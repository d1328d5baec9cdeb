package network

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind names a network attachment strategy.
type Kind string

const (
	KindBridge Kind = "bridge"
	KindNAT    Kind = "nat"
)

const (
	netdevID = "net0"
	nicModel = "virtio-net-pci"
)

// Endpoint is a host:port pair the orchestrator dials.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Ports are the guest-side service ports.
type Ports struct {
	API     int
	App     int
	Control int
}

// Mode is the network strategy chosen for one VM process. It never changes
// for the lifetime of that process.
type Mode interface {
	Kind() Kind
	// ControlEndpoint addresses the guest's remote command channel.
	ControlEndpoint() Endpoint
	// APIEndpoint addresses the control-plane API.
	APIEndpoint() Endpoint
	AppEndpoint() Endpoint
	// QemuArgs are the -netdev/-device arguments attaching the guest NIC.
	QemuArgs() []string
	Describe() string
}

// Bridge attaches the guest to an existing host bridge. The guest receives
// GuestIP from the dedicated DHCP responder and is reached without
// translation.
type Bridge struct {
	Name    string
	GuestIP net.IP
	MAC     string
	Helper  string
	Ports   Ports
}

func (b *Bridge) Kind() Kind { return KindBridge }

func (b *Bridge) ControlEndpoint() Endpoint { return b.endpoint(b.Ports.Control) }

func (b *Bridge) APIEndpoint() Endpoint { return b.endpoint(b.Ports.API) }

func (b *Bridge) AppEndpoint() Endpoint { return b.endpoint(b.Ports.App) }

func (b *Bridge) endpoint(port int) Endpoint {
	return Endpoint{Host: b.GuestIP.String(), Port: port}
}

func (b *Bridge) QemuArgs() []string {
	netdev := fmt.Sprintf("bridge,id=%s,br=%s", netdevID, b.Name)
	if b.Helper != "" {
		netdev += ",helper=" + b.Helper
	}
	return []string{
		"-netdev", netdev,
		"-device", fmt.Sprintf("%s,netdev=%s,mac=%s", nicModel, netdevID, b.MAC),
	}
}

func (b *Bridge) Describe() string {
	return fmt.Sprintf("bridge %s, guest %s (%s)", b.Name, b.GuestIP, b.MAC)
}

// ForwardRule maps a host TCP port onto a guest TCP port.
type ForwardRule struct {
	Name      string
	HostPort  int
	GuestPort int
}

// NAT keeps the guest on a private user-mode network and forwards every
// exposed service explicitly.
type NAT struct {
	MAC   string
	Rules []ForwardRule
}

const (
	RuleAPI     = "api"
	RuleApp     = "app"
	RuleControl = "control"
)

func (n *NAT) Kind() Kind { return KindNAT }

func (n *NAT) ControlEndpoint() Endpoint { return n.endpoint(RuleControl) }

func (n *NAT) APIEndpoint() Endpoint { return n.endpoint(RuleAPI) }

func (n *NAT) AppEndpoint() Endpoint { return n.endpoint(RuleApp) }

func (n *NAT) endpoint(rule string) Endpoint {
	for _, r := range n.Rules {
		if r.Name == rule {
			return Endpoint{Host: "localhost", Port: r.HostPort}
		}
	}
	return Endpoint{Host: "localhost"}
}

func (n *NAT) QemuArgs() []string {
	netdev := []string{"user", "id=" + netdevID}
	for _, r := range n.Rules {
		netdev = append(netdev, fmt.Sprintf("hostfwd=tcp::%d-:%d", r.HostPort, r.GuestPort))
	}
	return []string{
		"-netdev", strings.Join(netdev, ","),
		"-device", fmt.Sprintf("%s,netdev=%s,mac=%s", nicModel, netdevID, n.MAC),
	}
}

func (n *NAT) Describe() string {
	forwards := make([]string, 0, len(n.Rules))
	for _, r := range n.Rules {
		forwards = append(forwards, fmt.Sprintf("%s %d->%d", r.Name, r.HostPort, r.GuestPort))
	}
	return "nat, forwarding " + strings.Join(forwards, ", ")
}

// NATRules builds the forwarding rules for the API, application and
// control-channel ports.
func NATRules(host, guest Ports) []ForwardRule {
	return []ForwardRule{
		{Name: RuleAPI, HostPort: host.API, GuestPort: guest.API},
		{Name: RuleApp, HostPort: host.App, GuestPort: guest.App},
		{Name: RuleControl, HostPort: host.Control, GuestPort: guest.Control},
	}
}

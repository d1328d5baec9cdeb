package network

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Host is the set of host capability probes the selector relies on.
type Host interface {
	BridgeExists(name string) (bool, error)
	// BridgeAddr returns the first IPv4 address assigned to the bridge.
	BridgeAddr(name string) (*net.IPNet, error)
	// DefaultGateway returns the IPv4 default route reached through the
	// bridge, or nil when there is none.
	DefaultGateway(name string) net.IP
	FileExists(path string) bool
	// EnsureBridgeAllowed grants the bridge helper access to name in the
	// ACL file at conf, leaving an existing grant untouched.
	EnsureBridgeAllowed(conf, name string) error
}

// LinuxHost probes the running kernel through netlink.
type LinuxHost struct{}

func (LinuxHost) BridgeExists(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return link.Type() == "bridge", nil
}

func (LinuxHost) BridgeAddr(name string) (*net.IPNet, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("list addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if a.IPNet != nil && a.IP.To4() != nil {
			return a.IPNet, nil
		}
	}
	return nil, fmt.Errorf("bridge %s has no IPv4 address", name)
}

func (LinuxHost) DefaultGateway(name string) net.IP {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	routes, err := netlink.RouteList(link, unix.AF_INET)
	if err != nil {
		return nil
	}
	for _, r := range routes {
		if r.Gw == nil {
			continue
		}
		if r.Dst == nil {
			return r.Gw
		}
		if ones, _ := r.Dst.Mask.Size(); ones == 0 {
			return r.Gw
		}
	}
	return nil
}

func (LinuxHost) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (LinuxHost) EnsureBridgeAllowed(conf, name string) error {
	return ensureAllowLine(conf, name)
}

// ensureAllowLine appends "allow <name>" to the helper ACL unless the bridge
// (or all bridges) is already allowed.
func ensureAllowLine(conf, name string) error {
	existing, err := os.ReadFile(conf)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", conf, err)
	}
	if bridgeAllowed(existing, name) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(conf), 0o755); err != nil {
		return fmt.Errorf("make %s: %w", filepath.Dir(conf), err)
	}
	var updated bytes.Buffer
	updated.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		updated.WriteByte('\n')
	}
	fmt.Fprintf(&updated, "allow %s\n", name)

	tmpPath := conf + ".tmp"
	if err := os.WriteFile(tmpPath, updated.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write temp acl: %w", err)
	}
	if err := os.Rename(tmpPath, conf); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename acl: %w", err)
	}
	return nil
}

func bridgeAllowed(acl []byte, name string) bool {
	scanner := bufio.NewScanner(bytes.NewReader(acl))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "allow" && (fields[1] == name || fields[1] == "all") {
			return true
		}
	}
	return false
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

// GuestAddress picks the fixed guest address inside subnet: host part .250
// on the bridge's network.
func GuestAddress(subnet *net.IPNet) (net.IP, error) {
	ip4 := subnet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("subnet %s is not IPv4", subnet)
	}
	network := ip4.Mask(subnet.Mask)
	guest := make(net.IP, net.IPv4len)
	copy(guest, network)
	guest[3] |= 250
	if !subnet.Contains(guest) || guest.Equal(ip4) {
		return nil, fmt.Errorf("cannot derive a guest address in %s", subnet)
	}
	return guest, nil
}

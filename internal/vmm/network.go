package vmm

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
)

const (
	tapPrefix = "fcman-"
	// Locally administered prefix, FC hints at Firecracker
	macPrefix = "AA:FC:00"
)

var (
	ErrIPPoolExhausted    = errors.New("no available IP addresses in pool")
	ErrIPNotAllocated     = errors.New("IP address is not currently allocated")
	ErrBridgeNotFound     = errors.New("bridge device not found")
	ErrBridgeCreateFailed = errors.New("failed to create bridge device")
	ErrTAPCreateFailed    = errors.New("failed to create TAP device")
	ErrTAPNameExists      = errors.New("TAP device name already exists")
	ErrNATSetupFailed     = errors.New("failed to setup NAT rules")
)

// GuestNetwork is the network attachment of one VM.
type GuestNetwork struct {
	TAPDevice  string
	IPAddress  string
	MACAddress string
	Gateway    string
	Netmask    string
}

// NetworkManager owns the host side of guest networking: one bridge with
// NAT to the outside, a TAP device per VM attached to the bridge, and a
// small IP pool for guest addresses.
type NetworkManager struct {
	bridgeName string
	bridgeAddr string // CIDR, e.g. 172.30.0.1/24

	mu   sync.Mutex
	pool map[string]string // IP -> VM ID, "" when free
}

func NewNetworkManager(bridgeName, bridgeAddr string) (*NetworkManager, error) {
	ip, ipNet, err := net.ParseCIDR(bridgeAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge address %q: %w", bridgeAddr, err)
	}

	pool := make(map[string]string)
	for addr := nextIP(ip); ipNet.Contains(addr); addr = nextIP(addr) {
		// skip the broadcast address
		if !ipNet.Contains(nextIP(addr)) {
			break
		}
		pool[addr.String()] = ""
	}

	return &NetworkManager{
		bridgeName: bridgeName,
		bridgeAddr: bridgeAddr,
		pool:       pool,
	}, nil
}

// Setup creates the bridge if missing, assigns its address, brings it up
// and installs the NAT rules. Idempotent, requires root.
func (n *NetworkManager) Setup() error {
	if err := n.ensureBridge(); err != nil {
		return err
	}
	return n.enableNAT()
}

// Attach allocates an IP and creates a TAP device for the VM.
func (n *NetworkManager) Attach(vmID string) (*GuestNetwork, error) {
	ip, err := n.allocateIP(vmID)
	if err != nil {
		return nil, err
	}

	tapName, err := n.createTAP(vmID)
	if err != nil {
		n.releaseIP(ip)
		return nil, err
	}

	bridgeIP, ipNet, _ := net.ParseCIDR(n.bridgeAddr)

	return &GuestNetwork{
		TAPDevice:  tapName,
		IPAddress:  ip,
		MACAddress: generateMACAddress(vmID),
		Gateway:    bridgeIP.String(),
		Netmask:    net.IP(ipNet.Mask).String(),
	}, nil
}

// Detach tears down the VM's TAP device and returns its IP to the pool.
func (n *NetworkManager) Detach(guest *GuestNetwork) error {
	n.releaseIP(guest.IPAddress)
	return n.destroyTAP(guest.TAPDevice)
}

func (n *NetworkManager) ensureBridge() error {
	var bridge *netlink.Bridge

	link, err := netlink.LinkByName(n.bridgeName)
	if err != nil {
		la := netlink.NewLinkAttrs()
		la.Name = n.bridgeName
		bridge = &netlink.Bridge{LinkAttrs: la}
		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("%w: %v", ErrBridgeCreateFailed, err)
		}
	} else {
		var ok bool
		bridge, ok = link.(*netlink.Bridge)
		if !ok {
			return fmt.Errorf("%w: %s exists but is not a bridge", ErrBridgeNotFound, n.bridgeName)
		}
	}

	addr, err := netlink.ParseAddr(n.bridgeAddr)
	if err != nil {
		return fmt.Errorf("failed to parse bridge address: %w", err)
	}

	addrs, err := netlink.AddrList(bridge, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("failed to list bridge addresses: %w", err)
	}

	hasIP := false
	for _, a := range addrs {
		if a.IP.Equal(addr.IP) {
			hasIP = true
			break
		}
	}
	if !hasIP {
		if err := netlink.AddrReplace(bridge, addr); err != nil {
			return fmt.Errorf("failed to add address to bridge: %w", err)
		}
	}

	if err := netlink.LinkSetUp(bridge); err != nil {
		return fmt.Errorf("failed to bring bridge up: %w", err)
	}

	return nil
}

func (n *NetworkManager) enableNAT() error {
	if err := enableIPForwarding(); err != nil {
		return fmt.Errorf("failed to enable IP forwarding: %w", err)
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	_, ipNet, err := net.ParseCIDR(n.bridgeAddr)
	if err != nil {
		return fmt.Errorf("invalid bridge address: %w", err)
	}

	if err := ipt.AppendUnique("nat", "POSTROUTING", "-s", ipNet.String(), "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("%w: masquerade rule: %v", ErrNATSetupFailed, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-i", n.bridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: forward rule: %v", ErrNATSetupFailed, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-o", n.bridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: forward rule: %v", ErrNATSetupFailed, err)
	}

	return nil
}

// Teardown removes the NAT rules and the bridge. TAP devices must already
// be detached or the bridge delete fails.
func (n *NetworkManager) Teardown() error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	if _, ipNet, err := net.ParseCIDR(n.bridgeAddr); err == nil {
		_ = ipt.Delete("nat", "POSTROUTING", "-s", ipNet.String(), "-j", "MASQUERADE")
	}
	_ = ipt.Delete("filter", "FORWARD", "-i", n.bridgeName, "-j", "ACCEPT")
	_ = ipt.Delete("filter", "FORWARD", "-o", n.bridgeName, "-j", "ACCEPT")

	link, err := netlink.LinkByName(n.bridgeName)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete bridge: %w", err)
	}

	return nil
}

func (n *NetworkManager) createTAP(vmID string) (string, error) {
	tapName := generateTAPName(vmID)

	if _, err := netlink.LinkByName(tapName); err == nil {
		return "", fmt.Errorf("%w: %s", ErrTAPNameExists, tapName)
	}

	la := netlink.NewLinkAttrs()
	la.Name = tapName
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTAPCreateFailed, err)
	}

	bridge, err := netlink.LinkByName(n.bridgeName)
	if err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("%w: %v", ErrBridgeNotFound, err)
	}

	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("failed to attach TAP to bridge: %w", err)
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("failed to bring TAP up: %w", err)
	}

	return tapName, nil
}

func (n *NetworkManager) destroyTAP(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}

	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("device %s exists but is not a TAP device", name)
	}

	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete TAP device %s: %w", name, err)
	}

	return nil
}

func (n *NetworkManager) allocateIP(vmID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ip, owner := range n.pool {
		if owner == "" {
			n.pool[ip] = vmID
			return ip, nil
		}
	}

	return "", ErrIPPoolExhausted
}

func (n *NetworkManager) releaseIP(ip string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.pool[ip]; exists {
		n.pool[ip] = ""
	}
}

// generateTAPName derives a TAP device name from the VM's UUID v7. The name
// must fit the Linux 15 char interface name limit, so it combines the low
// bits of the timestamp with the tail of the random component.
func generateTAPName(vmID string) string {
	id := strings.ReplaceAll(vmID, "-", "")
	if len(id) < 32 {
		if len(id) > 8 {
			id = id[len(id)-8:]
		}
		return tapPrefix + id
	}

	return tapPrefix + id[11:15] + id[28:32]
}

// generateMACAddress derives a stable MAC from the VM ID.
func generateMACAddress(vmID string) string {
	hash := sha256.Sum256([]byte(vmID))
	return fmt.Sprintf("%s:%02X:%02X:%02X", macPrefix, hash[0], hash[1], hash[2])
}

func enableIPForwarding() error {
	const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("failed to read ip_forward: %w", err)
	}

	if len(data) > 0 && data[0] == '1' {
		return nil
	}

	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("failed to write ip_forward: %w", err)
	}

	return nil
}

func nextIP(ip net.IP) net.IP {
	ip = ip.To4()
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

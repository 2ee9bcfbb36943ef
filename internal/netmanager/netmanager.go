// Package netmanager owns host networking: per-VM /30 allocation, TAP
// lifecycle, SNAT, and a per-guest egress allowlist chain.
package netmanager

import (
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
)

// Config holds the allocated state for a single VM's networking.
type Config struct {
	TapName string
	HostIp  string
	GuestIp string
	Mask    string
	Cidr    int
}

// SubnetAllocator hands out /30 blocks from a configured CIDR pool.
type SubnetAllocator struct {
	mu       sync.Mutex
	poolBase uint32
	poolSize uint32 // number of /30 blocks in the pool
	next     uint32
	used     map[uint32]bool
}

// NewSubnetAllocator builds an allocator over poolCIDR (e.g. "172.16.0.0/16").
func NewSubnetAllocator(poolCIDR string) (*SubnetAllocator, error) {
	_, ipnet, err := net.ParseCIDR(poolCIDR)
	if err != nil {
		return nil, fmt.Errorf("netmanager: invalid pool CIDR %q: %w", poolCIDR, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("netmanager: pool CIDR %q is not IPv4", poolCIDR)
	}
	base := binary.BigEndian.Uint32(ipnet.IP.To4())
	size := uint32(1) << uint(32-ones) / 4

	return &SubnetAllocator{
		poolBase: base,
		poolSize: size,
		used:     make(map[uint32]bool),
	}, nil
}

func tapName(block uint32) string {
	return fmt.Sprintf("fc-%d", block)
}

func parseTapBlock(tap string) (uint32, error) {
	var block uint32
	if _, err := fmt.Sscanf(tap, "fc-%d", &block); err != nil {
		return 0, fmt.Errorf("netmanager: parse tap name %q: %w", tap, err)
	}
	return block, nil
}

func (a *SubnetAllocator) blockToIPs(block uint32) (hostIP, guestIP string) {
	base := a.poolBase + block*4
	hostAddr := make(net.IP, 4)
	guestAddr := make(net.IP, 4)
	binary.BigEndian.PutUint32(hostAddr, base+1)
	binary.BigEndian.PutUint32(guestAddr, base+2)
	return hostAddr.String(), guestAddr.String()
}

// Allocate picks the next unused /30 block, single-threaded under a mutex.
func (a *SubnetAllocator) Allocate() (*Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint32(0); i < a.poolSize; i++ {
		block := (a.next + i) % a.poolSize
		if a.used[block] {
			continue
		}
		a.used[block] = true
		a.next = block + 1

		hostIP, guestIP := a.blockToIPs(block)
		return &Config{TapName: tapName(block), HostIp: hostIP, GuestIp: guestIP, Mask: "255.255.255.252", Cidr: 30}, nil
	}
	return nil, fmt.Errorf("netmanager: subnet pool exhausted")
}

// AllocateSpecific reserves a TAP baked into a restored snapshot's vmstate.
func (a *SubnetAllocator) AllocateSpecific(tap string) (*Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	block, err := parseTapBlock(tap)
	if err != nil {
		return nil, err
	}
	if a.used[block] {
		return nil, fmt.Errorf("netmanager: tap %s already in use", tap)
	}
	a.used[block] = true

	hostIP, guestIP := a.blockToIPs(block)
	return &Config{TapName: tap, HostIp: hostIP, GuestIp: guestIP, Mask: "255.255.255.252", Cidr: 30}, nil
}

// CanAllocateSpecific reports whether a TAP block is free, without reserving it.
func (a *SubnetAllocator) CanAllocateSpecific(tap string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	block, err := parseTapBlock(tap)
	if err != nil {
		return false
	}
	return !a.used[block]
}

// Release returns a /30 block to the pool. Idempotent.
func (a *SubnetAllocator) Release(tap string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	block, err := parseTapBlock(tap)
	if err != nil {
		return
	}
	delete(a.used, block)
}

// CreateTAP creates and configures a host TAP device.
func CreateTAP(cfg *Config) error {
	if err := run("ip", "tuntap", "add", "dev", cfg.TapName, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap %s: %w", cfg.TapName, err)
	}
	addr := fmt.Sprintf("%s/%d", cfg.HostIp, cfg.Cidr)
	if err := run("ip", "addr", "add", addr, "dev", cfg.TapName); err != nil {
		DeleteTAP(cfg.TapName)
		return fmt.Errorf("assign ip to %s: %w", cfg.TapName, err)
	}
	return nil
}

// SetTAPUp brings a TAP device up or down.
func SetTAPUp(tap string, up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	return run("ip", "link", "set", tap, state)
}

// DeleteTAP removes a TAP device. Idempotent.
func DeleteTAP(tap string) {
	_ = run("ip", "link", "del", tap)
}

// allowlistChain is the per-VM nftables/iptables chain name.
func allowlistChain(vmID string) string {
	return "vm-" + sanitizeChainSuffix(vmID)
}

func sanitizeChainSuffix(id string) string {
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

// InstallAllowlist creates (or replaces) a per-VM chain accepting
// allowIps ∪ {gateway} from cfg.GuestIp and dropping the rest; if
// outboundInternet is false, only the gateway is accepted.
func InstallAllowlist(vmID string, cfg *Config, allowIps []string, outboundInternet bool) error {
	chain := allowlistChain(vmID)
	_ = run("iptables", "-t", "filter", "-N", chain)
	_ = run("iptables", "-t", "filter", "-F", chain)

	_ = run("iptables", "-t", "filter", "-D", "FORWARD", "-s", cfg.GuestIp, "-j", chain)
	if err := run("iptables", "-t", "filter", "-I", "FORWARD", "-s", cfg.GuestIp, "-j", chain); err != nil {
		return fmt.Errorf("install allowlist jump: %w", err)
	}

	if err := run("iptables", "-t", "filter", "-A", chain, "-d", cfg.HostIp, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("allow gateway: %w", err)
	}

	if outboundInternet {
		for _, cidr := range allowIps {
			if err := run("iptables", "-t", "filter", "-A", chain, "-d", cidr, "-j", "ACCEPT"); err != nil {
				return fmt.Errorf("allow %s: %w", cidr, err)
			}
		}
	}
	return run("iptables", "-t", "filter", "-A", chain, "-j", "DROP")
}

// RemoveAllowlist tears down a VM's chain. Idempotent.
func RemoveAllowlist(vmID string, cfg *Config) {
	chain := allowlistChain(vmID)
	_ = run("iptables", "-t", "filter", "-D", "FORWARD", "-s", cfg.GuestIp, "-j", chain)
	_ = run("iptables", "-t", "filter", "-F", chain)
	_ = run("iptables", "-t", "filter", "-X", chain)
}

// EnableForwarding enables IPv4 forwarding and masquerading for poolCIDR.
// Idempotent; call once at startup.
func EnableForwarding(poolCIDR string) error {
	if err := run("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}

	out, _ := exec.Command("iptables", "-t", "nat", "-S", "POSTROUTING").CombinedOutput()
	if !strings.Contains(string(out), poolCIDR) {
		iface := detectDefaultInterface()
		if iface != "" {
			_ = run("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", poolCIDR, "-o", iface, "-j", "MASQUERADE")
		} else {
			_ = run("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", poolCIDR, "!", "-o", "fc-+", "-j", "MASQUERADE")
		}
	}
	return nil
}

func detectDefaultInterface() string {
	out, err := exec.Command("ip", "route", "show", "default").CombinedOutput()
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

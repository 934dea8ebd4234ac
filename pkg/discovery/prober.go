package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fjordlab/netdrive/pkg/connector"
)

// Well-known storage ports probed on each candidate host.
var defaultProbePorts = map[int]connector.Protocol{
	21:  connector.ProtocolFTP,
	22:  connector.ProtocolSFTP,
	80:  connector.ProtocolWebDAV,
	443: connector.ProtocolWebDAV,
	445: connector.ProtocolSMB,
}

// PortProber discovers devices by attempting TCP connections to well-known
// storage ports across a subnet. It finds NAS boxes that never announce
// themselves over mDNS.
type PortProber struct {
	// CIDR is the subnet to sweep, e.g. "192.168.1.0/24".
	CIDR string
	// Ports maps port numbers to protocols; nil means the default set.
	Ports map[int]connector.Protocol
	// DialTimeout bounds each individual probe.
	DialTimeout time.Duration
	// Parallelism caps concurrent probes so the sweep does not flood the
	// local network.
	Parallelism int
}

// NewPortProber returns a prober for the subnet with default ports and
// limits.
func NewPortProber(cidr string) *PortProber {
	return &PortProber{
		CIDR:        cidr,
		DialTimeout: 500 * time.Millisecond,
		Parallelism: 32,
	}
}

// Name identifies the adapter in logs.
func (p *PortProber) Name() string { return "portprobe" }

// Scan sweeps every host in the subnet. One result is emitted per host with
// at least one open storage port; an invalid subnet yields a single error
// result. The channel closes when the sweep finishes.
func (p *PortProber) Scan(ctx context.Context) <-chan ScanResult {
	out := make(chan ScanResult, 16)

	ports := p.Ports
	if ports == nil {
		ports = defaultProbePorts
	}
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	parallelism := p.Parallelism
	if parallelism <= 0 {
		parallelism = 32
	}

	_, subnet, err := net.ParseCIDR(p.CIDR)
	if err != nil {
		go func() {
			out <- ScanResult{Err: fmt.Errorf("invalid subnet %q: %w", p.CIDR, err)}
			close(out)
		}()
		return out
	}

	go func() {
		defer close(out)

		sem := make(chan struct{}, parallelism)
		var wg sync.WaitGroup

		for ip := firstHost(subnet); subnet.Contains(ip); ip = nextIP(ip) {
			if ctx.Err() != nil {
				break
			}
			addr := ip.String()

			wg.Add(1)
			sem <- struct{}{}
			go func(addr string) {
				defer wg.Done()
				defer func() { <-sem }()

				device, found := p.probeHost(ctx, addr, ports, timeout)
				if !found {
					return
				}
				select {
				case out <- ScanResult{Device: device}:
				case <-ctx.Done():
				}
			}(addr)
		}
		wg.Wait()
	}()
	return out
}

// probeHost dials each candidate port and assembles a device record from the
// ones that accept.
func (p *PortProber) probeHost(ctx context.Context, addr string, ports map[int]connector.Protocol, timeout time.Duration) (NetworkDevice, bool) {
	var services []ServiceInfo
	dialer := net.Dialer{Timeout: timeout}

	for port, proto := range ports {
		if ctx.Err() != nil {
			return NetworkDevice{}, false
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		services = append(services, ServiceInfo{
			Name:     proto.String(),
			Protocol: proto,
			Port:     port,
			Secure:   port == 443 || proto == connector.ProtocolSFTP,
		})
	}
	if len(services) == 0 {
		return NetworkDevice{}, false
	}

	device := NetworkDevice{
		Name:     addr,
		Type:     classifyByServices(services),
		Addr:     addr,
		Services: services,
	}
	if names, err := net.LookupAddr(addr); err == nil && len(names) > 0 {
		device.Hostname = names[0]
	}
	return device, true
}

// classifyByServices infers a coarse device category from its open ports.
func classifyByServices(services []ServiceInfo) DeviceType {
	var smb, ssh, other bool
	for _, s := range services {
		switch s.Protocol {
		case connector.ProtocolSMB:
			smb = true
		case connector.ProtocolSFTP:
			ssh = true
		default:
			other = true
		}
	}
	switch {
	case smb:
		return DeviceTypeNAS
	case ssh && !other:
		return DeviceTypeComputer
	case other:
		return DeviceTypeServer
	default:
		return DeviceTypeUnknown
	}
}

// firstHost returns the first usable address in the subnet.
func firstHost(subnet *net.IPNet) net.IP {
	ip := subnet.IP.Mask(subnet.Mask)
	return nextIP(ip)
}

// nextIP returns ip+1 without mutating its argument.
func nextIP(ip net.IP) net.IP {
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

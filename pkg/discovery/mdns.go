package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/brutella/dnssd"

	"github.com/fjordlab/netdrive/pkg/connector"
)

// Default mDNS service types browsed for storage endpoints.
var defaultServiceTypes = map[string]connector.Protocol{
	"_ftp._tcp":      connector.ProtocolFTP,
	"_sftp-ssh._tcp": connector.ProtocolSFTP,
	"_webdav._tcp":   connector.ProtocolWebDAV,
	"_webdavs._tcp":  connector.ProtocolWebDAV,
	"_smb._tcp":      connector.ProtocolSMB,
}

// MDNSAdapter discovers devices that announce storage services via
// multicast DNS.
type MDNSAdapter struct {
	// ServiceTypes maps mDNS service types to protocols; nil means the
	// default storage set.
	ServiceTypes map[string]connector.Protocol
	// Domain is the browse domain, normally "local".
	Domain string
}

// NewMDNSAdapter returns an adapter browsing the default storage services in
// the local domain.
func NewMDNSAdapter() *MDNSAdapter {
	return &MDNSAdapter{Domain: "local"}
}

// Name identifies the adapter in logs.
func (m *MDNSAdapter) Name() string { return "mdns" }

// Scan browses each configured service type until ctx ends, emitting one
// result per (device, service) observation. The result channel closes when
// all lookups finish.
func (m *MDNSAdapter) Scan(ctx context.Context) <-chan ScanResult {
	types := m.ServiceTypes
	if types == nil {
		types = defaultServiceTypes
	}
	domain := m.Domain
	if domain == "" {
		domain = "local"
	}

	out := make(chan ScanResult, 16)
	var wg sync.WaitGroup

	for svcType, proto := range types {
		wg.Add(1)
		go func(svcType string, proto connector.Protocol) {
			defer wg.Done()

			addFn := func(e dnssd.BrowseEntry) {
				if len(e.IPs) == 0 {
					return
				}
				device := NetworkDevice{
					Name:     e.Name,
					Hostname: strings.TrimSuffix(e.Host, "."),
					Type:     deviceTypeFor(proto),
					Addr:     e.IPs[0].String(),
					Services: []ServiceInfo{{
						Name:     svcType,
						Protocol: proto,
						Port:     e.Port,
						Secure:   svcType == "_webdavs._tcp" || proto == connector.ProtocolSFTP,
					}},
				}
				select {
				case out <- ScanResult{Device: device}:
				case <-ctx.Done():
				}
			}

			service := fmt.Sprintf("%s.%s.", svcType, domain)
			if err := dnssd.LookupType(ctx, service, addFn, func(dnssd.BrowseEntry) {}); err != nil &&
				ctx.Err() == nil {
				select {
				case out <- ScanResult{Err: fmt.Errorf("mDNS lookup %s failed: %w", svcType, err)}:
				default:
				}
			}
		}(svcType, proto)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// deviceTypeFor guesses a device category from the protocol it advertises.
// SMB announcements are overwhelmingly NAS boxes or file servers on a LAN.
func deviceTypeFor(p connector.Protocol) DeviceType {
	switch p {
	case connector.ProtocolSMB:
		return DeviceTypeNAS
	case connector.ProtocolFTP, connector.ProtocolWebDAV:
		return DeviceTypeServer
	case connector.ProtocolSFTP:
		return DeviceTypeComputer
	default:
		return DeviceTypeUnknown
	}
}

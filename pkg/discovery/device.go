package discovery

import (
	"time"

	"github.com/fjordlab/netdrive/pkg/connector"
)

// DeviceType categorizes a discovered network device.
type DeviceType string

const (
	DeviceTypeNAS      DeviceType = "nas"
	DeviceTypeServer   DeviceType = "server"
	DeviceTypeComputer DeviceType = "computer"
	DeviceTypeRouter   DeviceType = "router"
	DeviceTypeUnknown  DeviceType = "unknown"
)

// ServiceInfo describes one storage service advertised by a device.
type ServiceInfo struct {
	Name     string             `json:"name"`
	Protocol connector.Protocol `json:"protocol"`
	Port     int                `json:"port"`
	Secure   bool               `json:"secure"`
}

// NetworkDevice is the identity of a discovered endpoint. It is created and
// refreshed by discovery scans only; transfer logic never mutates it.
type NetworkDevice struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Hostname string        `json:"hostname,omitempty"`
	Type     DeviceType    `json:"type"`
	Addr     string        `json:"addr"`
	Services []ServiceInfo `json:"services"`

	Reachable bool      `json:"reachable"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// HasProtocol reports whether the device advertises a service for the
// protocol.
func (d NetworkDevice) HasProtocol(p connector.Protocol) bool {
	for _, s := range d.Services {
		if s.Protocol == p {
			return true
		}
	}
	return false
}

// mergeServices folds newly observed services into the existing list, keyed
// by (protocol, port).
func mergeServices(existing, observed []ServiceInfo) []ServiceInfo {
	out := append([]ServiceInfo(nil), existing...)
	for _, svc := range observed {
		found := false
		for _, have := range out {
			if have.Protocol == svc.Protocol && have.Port == svc.Port {
				found = true
				break
			}
		}
		if !found {
			out = append(out, svc)
		}
	}
	return out
}

// ScanResult carries either one discovered device or an adapter error.
type ScanResult struct {
	Device NetworkDevice
	Err    error
}

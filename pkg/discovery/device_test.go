package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fjordlab/netdrive/pkg/connector"
)

func TestMergeServices(t *testing.T) {
	existing := []ServiceInfo{
		{Name: "smb", Protocol: connector.ProtocolSMB, Port: 445},
	}
	observed := []ServiceInfo{
		{Name: "smb", Protocol: connector.ProtocolSMB, Port: 445},   // duplicate
		{Name: "ftp", Protocol: connector.ProtocolFTP, Port: 21},    // new protocol
		{Name: "ftp-alt", Protocol: connector.ProtocolFTP, Port: 2121}, // same protocol, new port
	}

	merged := mergeServices(existing, observed)
	assert.Len(t, merged, 3)

	assert.Len(t, mergeServices(nil, nil), 0)
	assert.Len(t, mergeServices(nil, existing), 1)
}

func TestDeviceTypeFor(t *testing.T) {
	assert.Equal(t, DeviceTypeNAS, deviceTypeFor(connector.ProtocolSMB))
	assert.Equal(t, DeviceTypeServer, deviceTypeFor(connector.ProtocolFTP))
	assert.Equal(t, DeviceTypeServer, deviceTypeFor(connector.ProtocolWebDAV))
	assert.Equal(t, DeviceTypeComputer, deviceTypeFor(connector.ProtocolSFTP))
	assert.Equal(t, DeviceTypeUnknown, deviceTypeFor(connector.ProtocolCloud))
}

package connector

import (
	"fmt"
	"sync"
)

// Registry holds the closed set of protocol connectors. A connector is looked
// up exactly once per mount; nothing dispatches on protocol strings after
// that point.
type Registry struct {
	mu         sync.RWMutex
	connectors map[Protocol]Connector
}

// NewRegistry returns a registry populated with all built-in connectors.
func NewRegistry() *Registry {
	r := &Registry{connectors: make(map[Protocol]Connector)}
	r.Register(FTPConnector{})
	r.Register(SFTPConnector{})
	r.Register(WebDAVConnector{})
	r.Register(SMBConnector{})
	r.Register(CloudConnector{})
	return r
}

// Register adds or replaces the connector for its protocol.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Protocol()] = c
}

// Lookup returns the connector for the protocol, or an unsupported-kind error.
func (r *Registry) Lookup(p Protocol) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[p]
	if !ok {
		return nil, &Error{Kind: KindUnsupported, Op: "lookup connector",
			Err: fmt.Errorf("no connector registered for protocol %s", p)}
	}
	return c, nil
}

package drive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjordlab/netdrive/pkg/connector"
	"github.com/fjordlab/netdrive/pkg/queue"
)

// ConnStatus represents the state of an active connection.
type ConnStatus int

const (
	ConnDisconnected ConnStatus = iota
	ConnConnecting
	ConnConnected
	ConnError
)

// String returns a human-readable status name.
func (s ConnStatus) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// ActiveConnection is one live session against a device. It is the single
// source of truth for a drive's online state and doubles as the drive
// queue's session provider.
type ActiveConnection struct {
	ID       string
	Addr     string
	Protocol connector.Protocol

	mu      sync.Mutex
	status  ConnStatus
	session connector.Session
}

// Status returns the current connection status.
func (c *ActiveConnection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *ActiveConnection) setConnected(s connector.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = ConnConnected
	c.session = s
}

func (c *ActiveConnection) setStatus(st ConnStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = st
}

// close disconnects the underlying session. Idempotent.
func (c *ActiveConnection) close() error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.status = ConnDisconnected
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Session hands out the live session for a transfer attempt. The connection
// retains ownership; the queue never closes it.
func (c *ActiveConnection) Session(ctx context.Context) (connector.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != ConnConnected || c.session == nil {
		return nil, &connector.Error{
			Kind: connector.KindConnection,
			Op:   "drive session",
			Err:  fmt.Errorf("drive %s is offline", c.Addr),
		}
	}
	return c.session, nil
}

// Config describes a drive to mount.
type Config struct {
	// Name is the user-facing drive label.
	Name string
	// Protocol selects the connector.
	Protocol connector.Protocol
	// Params is the read-only connection snapshot handed to the connector.
	Params connector.ConnectParams
	// LocalRoot is the local directory the drive syncs against.
	LocalRoot string
	// Queue tunes the drive's transfer queue; zero value means defaults.
	Queue queue.Config
}

// Validate checks the drive configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("drive name cannot be empty")
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("connection params: %w", err)
	}
	return nil
}

// VirtualDrive is a durable binding between a name and a remote endpoint
// reachable via one protocol. Its online state is derived exclusively from
// its connection; there is no independent flag to drift.
type VirtualDrive struct {
	ID        string
	Name      string
	Protocol  connector.Protocol
	Params    connector.ConnectParams
	LocalRoot string

	mu       sync.Mutex
	lastSync time.Time

	conn  *ActiveConnection
	queue *queue.TransferQueue
}

// Online reports whether the drive's connection is currently connected.
func (d *VirtualDrive) Online() bool {
	return d.conn.Status() == ConnConnected
}

// Connection returns the drive's active connection.
func (d *VirtualDrive) Connection() *ActiveConnection { return d.conn }

// Queue returns the drive's transfer queue.
func (d *VirtualDrive) Queue() *queue.TransferQueue { return d.queue }

// LastSync returns the time of the drive's last completed sync enqueue.
func (d *VirtualDrive) LastSync() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSync
}

func (d *VirtualDrive) markSynced(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSync = at
}

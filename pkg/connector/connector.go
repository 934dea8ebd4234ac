package connector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol identifies one of the supported remote storage protocols. The set
// is closed: a connector is selected from it exactly once, at mount time.
type Protocol int

const (
	ProtocolFTP Protocol = iota
	ProtocolSFTP
	ProtocolWebDAV
	ProtocolSMB
	ProtocolCloud
)

// String returns the lowercase protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolFTP:
		return "ftp"
	case ProtocolSFTP:
		return "sftp"
	case ProtocolWebDAV:
		return "webdav"
	case ProtocolSMB:
		return "smb"
	case ProtocolCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// DefaultPort returns the conventional port for the protocol.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolFTP:
		return 21
	case ProtocolSFTP:
		return 22
	case ProtocolWebDAV:
		return 80
	case ProtocolSMB:
		return 445
	case ProtocolCloud:
		return 443
	default:
		return 0
	}
}

// ParseProtocol converts a protocol name into a Protocol value.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ftp":
		return ProtocolFTP, nil
	case "sftp":
		return ProtocolSFTP, nil
	case "webdav", "dav":
		return ProtocolWebDAV, nil
	case "smb", "cifs":
		return ProtocolSMB, nil
	case "cloud":
		return ProtocolCloud, nil
	default:
		return 0, &Error{Kind: KindUnsupported, Op: "parse protocol", Err: fmt.Errorf("unknown protocol %q", s)}
	}
}

// ConnectParams is the read-only configuration snapshot a connector needs to
// establish one session. The engine never writes it back anywhere.
type ConnectParams struct {
	Host     string
	Port     int
	Username string
	Password string
	RootPath string
	Secure   bool
	Timeout  time.Duration
}

// Validate checks the parameters for obvious misconfiguration.
func (p ConnectParams) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// Address returns the host:port dial address, falling back to the protocol's
// default port when none is configured.
func (p ConnectParams) Address(proto Protocol) string {
	port := p.Port
	if port == 0 {
		port = proto.DefaultPort()
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// DialTimeout returns the configured timeout or a sensible default.
func (p ConnectParams) DialTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 15 * time.Second
}

// RemoteEntry describes one entry in a remote directory listing.
type RemoteEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// ProgressSink receives the cumulative number of bytes transferred so far.
// Connectors invoke it at a bounded rate, never per chunk.
type ProgressSink func(bytesTransferred int64)

// Session is a live connection to one remote endpoint. A session is owned by
// its caller and holds no process-wide state; Close is idempotent.
type Session interface {
	// List returns the entries directly under remotePath without mutating
	// remote state.
	List(ctx context.Context, remotePath string) ([]RemoteEntry, error)

	// Upload streams the local file to remotePath, reporting progress to sink.
	// Cancellation via ctx takes effect at the next chunk boundary.
	Upload(ctx context.Context, localPath, remotePath string, sink ProgressSink) error

	// Download streams remotePath into the local file, reporting progress to
	// sink. Cancellation via ctx takes effect at the next chunk boundary.
	Download(ctx context.Context, remotePath, localPath string, sink ProgressSink) error

	// Close tears down the session. Safe to call repeatedly.
	Close() error
}

// Connector establishes sessions for a single protocol. Implementations know
// nothing about queueing or drives.
type Connector interface {
	Connect(ctx context.Context, params ConnectParams) (Session, error)
	Protocol() Protocol
}

package connector

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/hirochachacha/go-smb2"
)

// SMBConnector establishes sessions against SMB/CIFS shares. The first
// segment of RootPath names the share; the remainder is the path prefix
// inside it.
type SMBConnector struct{}

// Protocol returns ProtocolSMB.
func (SMBConnector) Protocol() Protocol { return ProtocolSMB }

// Connect dials TCP 445, negotiates an SMB session and mounts the share.
func (c SMBConnector) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "smb connect", Err: err}
	}
	share, prefix := splitShare(params.RootPath)
	if share == "" {
		return nil, &Error{Kind: KindProtocol, Op: "smb connect",
			Err: os.ErrInvalid}
	}

	conn, err := net.DialTimeout("tcp", params.Address(c.Protocol()), params.DialTimeout())
	if err != nil {
		return nil, wrap(KindConnection, "smb connect", err)
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     params.Username,
			Password: params.Password,
		},
	}
	sess, err := d.DialContext(ctx, conn)
	if err != nil {
		_ = conn.Close()
		kind := KindProtocol
		if strings.Contains(err.Error(), "LOGON_FAILURE") ||
			strings.Contains(err.Error(), "ACCESS_DENIED") {
			kind = KindAuth
		}
		return nil, wrap(kind, "smb session", err)
	}

	fs, err := sess.Mount(share)
	if err != nil {
		_ = sess.Logoff()
		_ = conn.Close()
		return nil, wrap(KindProtocol, "smb mount", err)
	}

	return &smbSession{conn: conn, sess: sess, share: fs, prefix: prefix}, nil
}

// splitShare separates "share/sub/dir" into the share name and the prefix.
func splitShare(root string) (share, prefix string) {
	root = strings.Trim(root, "/")
	if root == "" {
		return "", ""
	}
	parts := strings.SplitN(root, "/", 2)
	share = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return share, prefix
}

type smbSession struct {
	mu     sync.Mutex
	conn   net.Conn
	sess   *smb2.Session
	share  *smb2.Share
	prefix string
	closed bool
}

// resolve joins the share prefix with a remote path using backslashes, which
// the SMB dialect requires.
func (s *smbSession) resolve(remotePath string) string {
	p := strings.Trim(remotePath, "/")
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	p = strings.Trim(p, "/")
	if p == "" {
		p = "."
	}
	return strings.ReplaceAll(p, "/", `\`)
}

func (s *smbSession) guard() error {
	if s.closed {
		return &Error{Kind: KindConnection, Op: "smb", Err: errSessionClosed}
	}
	return nil
}

func (s *smbSession) List(ctx context.Context, remotePath string) ([]RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Op: "smb list", Err: err}
	}

	infos, err := s.share.ReadDir(s.resolve(remotePath))
	if err != nil {
		return nil, wrap(KindProtocol, "smb list", err)
	}

	entries := make([]RemoteEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, RemoteEntry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime(),
		})
	}
	return entries, nil
}

func (s *smbSession) Upload(ctx context.Context, localPath, remotePath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return wrap(KindIO, "smb upload", err)
	}
	defer src.Close()

	dst, err := s.share.Create(s.resolve(remotePath))
	if err != nil {
		return wrap(KindProtocol, "smb upload", err)
	}
	defer dst.Close()

	_, err = copyWithProgress(ctx, "smb upload", dst, src, sink)
	return err
}

func (s *smbSession) Download(ctx context.Context, remotePath, localPath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	src, err := s.share.Open(s.resolve(remotePath))
	if err != nil {
		return wrap(KindProtocol, "smb download", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return wrap(KindIO, "smb download", err)
	}
	defer dst.Close()

	_, err = copyWithProgress(ctx, "smb download", dst, src, sink)
	return err
}

func (s *smbSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.share.Umount()
	_ = s.sess.Logoff()
	if err := s.conn.Close(); err != nil {
		return wrap(KindConnection, "smb close", err)
	}
	return nil
}

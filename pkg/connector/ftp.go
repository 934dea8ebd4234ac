package connector

import (
	"context"
	"os"
	"path"
	"sync"

	"github.com/jlaffaye/ftp"
)

// FTPConnector establishes sessions against FTP servers.
type FTPConnector struct{}

// Protocol returns ProtocolFTP.
func (FTPConnector) Protocol() Protocol { return ProtocolFTP }

// Connect dials and logs into the server. Missing credentials fall back to
// anonymous login.
func (c FTPConnector) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "ftp connect", Err: err}
	}

	conn, err := ftp.Dial(params.Address(c.Protocol()),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(params.DialTimeout()),
	)
	if err != nil {
		return nil, wrap(KindConnection, "ftp connect", err)
	}

	user, pass := params.Username, params.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, wrap(KindAuth, "ftp login", err)
	}

	return &ftpSession{conn: conn, root: params.RootPath}, nil
}

type ftpSession struct {
	mu     sync.Mutex
	conn   *ftp.ServerConn
	root   string
	closed bool
}

func (s *ftpSession) resolve(remotePath string) string {
	if s.root == "" {
		return remotePath
	}
	return path.Join(s.root, remotePath)
}

func (s *ftpSession) guard() error {
	if s.closed {
		return &Error{Kind: KindConnection, Op: "ftp", Err: errSessionClosed}
	}
	return nil
}

func (s *ftpSession) List(ctx context.Context, remotePath string) ([]RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Op: "ftp list", Err: err}
	}

	raw, err := s.conn.List(s.resolve(remotePath))
	if err != nil {
		return nil, wrap(KindProtocol, "ftp list", err)
	}

	entries := make([]RemoteEntry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, RemoteEntry{
			Name:    e.Name,
			Size:    int64(e.Size),
			IsDir:   e.Type == ftp.EntryTypeFolder,
			ModTime: e.Time,
		})
	}
	return entries, nil
}

func (s *ftpSession) Upload(ctx context.Context, localPath, remotePath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return wrap(KindIO, "ftp upload", err)
	}
	defer f.Close()

	// STOR drives the read loop, so progress and cancellation hook the reader.
	r := newProgressReader(ctx, "ftp upload", f, sink)
	if err := s.conn.Stor(s.resolve(remotePath), r); err != nil {
		return wrap(KindProtocol, "ftp upload", err)
	}
	return nil
}

func (s *ftpSession) Download(ctx context.Context, remotePath, localPath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	resp, err := s.conn.Retr(s.resolve(remotePath))
	if err != nil {
		return wrap(KindProtocol, "ftp download", err)
	}
	defer resp.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return wrap(KindIO, "ftp download", err)
	}
	defer f.Close()

	_, err = copyWithProgress(ctx, "ftp download", f, resp, sink)
	return err
}

func (s *ftpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Quit(); err != nil {
		return wrap(KindConnection, "ftp close", err)
	}
	return nil
}

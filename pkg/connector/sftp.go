package connector

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConnector establishes sessions over SSH.
type SFTPConnector struct{}

// Protocol returns ProtocolSFTP.
func (SFTPConnector) Protocol() Protocol { return ProtocolSFTP }

// Connect dials the SSH transport and opens an SFTP subsystem on it.
func (c SFTPConnector) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "sftp connect", Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(params.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         params.DialTimeout(),
	}

	sshConn, err := ssh.Dial("tcp", params.Address(c.Protocol()), cfg)
	if err != nil {
		kind := KindConnection
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "handshake failed") {
			kind = KindAuth
		}
		return nil, wrap(kind, "sftp connect", err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		_ = sshConn.Close()
		return nil, wrap(KindProtocol, "sftp subsystem", err)
	}

	return &sftpSession{ssh: sshConn, client: client, root: params.RootPath}, nil
}

type sftpSession struct {
	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
	root   string
	closed bool
}

func (s *sftpSession) resolve(remotePath string) string {
	if s.root == "" {
		return remotePath
	}
	return path.Join(s.root, remotePath)
}

func (s *sftpSession) guard() error {
	if s.closed {
		return &Error{Kind: KindConnection, Op: "sftp", Err: errSessionClosed}
	}
	return nil
}

func (s *sftpSession) List(ctx context.Context, remotePath string) ([]RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Op: "sftp list", Err: err}
	}

	infos, err := s.client.ReadDir(s.resolve(remotePath))
	if err != nil {
		return nil, wrap(KindProtocol, "sftp list", err)
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

func (s *sftpSession) Upload(ctx context.Context, localPath, remotePath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return wrap(KindIO, "sftp upload", err)
	}
	defer src.Close()

	dst, err := s.client.Create(s.resolve(remotePath))
	if err != nil {
		return wrap(KindProtocol, "sftp upload", err)
	}
	defer dst.Close()

	_, err = copyWithProgress(ctx, "sftp upload", dst, src, sink)
	return err
}

func (s *sftpSession) Download(ctx context.Context, remotePath, localPath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	src, err := s.client.Open(s.resolve(remotePath))
	if err != nil {
		return wrap(KindProtocol, "sftp download", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return wrap(KindIO, "sftp download", err)
	}
	defer dst.Close()

	_, err = copyWithProgress(ctx, "sftp download", dst, src, sink)
	return err
}

func (s *sftpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	cerr := s.client.Close()
	if err := s.ssh.Close(); err != nil && cerr == nil {
		cerr = err
	}
	if cerr != nil {
		return wrap(KindConnection, "sftp close", cerr)
	}
	return nil
}

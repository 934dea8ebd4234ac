package connector

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/studio-b12/gowebdav"
)

// WebDAVConnector establishes sessions against WebDAV servers.
type WebDAVConnector struct{}

// Protocol returns ProtocolWebDAV.
func (WebDAVConnector) Protocol() Protocol { return ProtocolWebDAV }

// Connect builds the endpoint URL, authenticates and verifies the server
// answers PROPFIND before handing out the session.
func (c WebDAVConnector) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	return webdavConnect(ctx, c.Protocol(), params)
}

// CloudConnector targets cloud storage endpoints that expose a WebDAV
// surface; it forces TLS regardless of the Secure flag.
type CloudConnector struct{}

// Protocol returns ProtocolCloud.
func (CloudConnector) Protocol() Protocol { return ProtocolCloud }

// Connect behaves like the WebDAV connector over HTTPS.
func (c CloudConnector) Connect(ctx context.Context, params ConnectParams) (Session, error) {
	params.Secure = true
	return webdavConnect(ctx, c.Protocol(), params)
}

func webdavConnect(ctx context.Context, proto Protocol, params ConnectParams) (Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "webdav connect", Err: err}
	}

	scheme := "http"
	if params.Secure {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, params.Address(proto))
	if params.RootPath != "" {
		base += "/" + strings.Trim(params.RootPath, "/")
	}

	client := gowebdav.NewClient(base, params.Username, params.Password)
	client.SetTimeout(params.DialTimeout())

	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Op: "webdav connect", Err: err}
	}
	if err := client.Connect(); err != nil {
		return nil, wrap(classifyWebdavErr(err), "webdav connect", err)
	}

	return &webdavSession{client: client}, nil
}

// classifyWebdavErr maps HTTP-level failures onto the error taxonomy. The
// client surfaces status codes in error text, so matching on them is the
// only classification handle available.
func classifyWebdavErr(err error) Kind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "Forbidden"):
		return KindAuth
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout"):
		return KindConnection
	default:
		return KindProtocol
	}
}

type webdavSession struct {
	mu     sync.Mutex
	client *gowebdav.Client
	closed bool
}

func (s *webdavSession) guard() error {
	if s.closed {
		return &Error{Kind: KindConnection, Op: "webdav", Err: errSessionClosed}
	}
	return nil
}

func (s *webdavSession) List(ctx context.Context, remotePath string) ([]RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Op: "webdav list", Err: err}
	}

	infos, err := s.client.ReadDir(path.Join("/", remotePath))
	if err != nil {
		return nil, wrap(classifyWebdavErr(err), "webdav list", err)
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

func (s *webdavSession) Upload(ctx context.Context, localPath, remotePath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return wrap(KindIO, "webdav upload", err)
	}
	defer f.Close()

	// WriteStream drives the read loop, so progress and cancellation hook
	// the reader.
	r := newProgressReader(ctx, "webdav upload", f, sink)
	if err := s.client.WriteStream(path.Join("/", remotePath), r, 0644); err != nil {
		return wrap(classifyWebdavErr(err), "webdav upload", err)
	}
	return nil
}

func (s *webdavSession) Download(ctx context.Context, remotePath, localPath string, sink ProgressSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	src, err := s.client.ReadStream(path.Join("/", remotePath))
	if err != nil {
		return wrap(classifyWebdavErr(err), "webdav download", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return wrap(KindIO, "webdav download", err)
	}
	defer dst.Close()

	_, err = copyWithProgress(ctx, "webdav download", dst, src, sink)
	return err
}

func (s *webdavSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The WebDAV client is stateless HTTP; closing only fences off further use.
	s.closed = true
	return nil
}

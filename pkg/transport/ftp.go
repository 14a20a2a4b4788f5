package transport

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/custodia/depositd/pkg/registry"
)

// FTP transfers packages to an FTP endpoint. Uploads are
// fire-and-forget: the server acknowledges bytes, never accessioning,
// so responses are always opaque.
type FTP struct {
	binding *registry.FTPBinding
	timeout time.Duration
}

// NewFTP builds an FTP transport for the given binding
func NewFTP(b *registry.FTPBinding, timeout time.Duration) *FTP {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &FTP{binding: b, timeout: timeout}
}

func (f *FTP) Protocol() string { return "ftp" }

// Open dials and authenticates a control connection
func (f *FTP) Open(ctx context.Context) (Session, error) {
	addr := fmt.Sprintf("%s:%d", f.binding.Host, f.binding.Port)

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(f.timeout),
	}
	if !f.binding.Passive {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	if err := conn.Login(f.binding.Username, f.binding.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	if f.binding.Type == "" || f.binding.Type == "binary" {
		if err := conn.Type(ftp.TransferTypeBinary); err != nil {
			conn.Quit()
			return nil, fmt.Errorf("setting transfer type: %w", err)
		}
	}

	return &ftpSession{conn: conn, binding: f.binding}, nil
}

type ftpSession struct {
	conn    *ftp.ServerConn
	binding *registry.FTPBinding
	closed  bool
}

// Send stores the package under the binding's default directory,
// creating it on first use
func (s *ftpSession) Send(ctx context.Context, pkg *Package) (*Response, error) {
	dest := pkg.Name
	if s.binding.DefaultDir != "" {
		if err := s.cwd(s.binding.DefaultDir); err != nil {
			return &Response{Success: false, Error: err.Error()}, nil
		}
		dest = path.Base(pkg.Name)
	}

	if err := s.conn.Stor(dest, pkg.Body); err != nil {
		return &Response{Success: false, Error: err.Error()}, nil
	}

	return &Response{Success: true}, nil
}

func (s *ftpSession) cwd(dir string) error {
	if err := s.conn.ChangeDir(dir); err == nil {
		return nil
	}
	if err := s.conn.MakeDir(dir); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := s.conn.ChangeDir(dir); err != nil {
		return fmt.Errorf("entering %s: %w", dir, err)
	}
	return nil
}

func (s *ftpSession) Close() error {
	if s.closed {
		return errors.New("ftp session already closed")
	}
	s.closed = true
	return s.conn.Quit()
}

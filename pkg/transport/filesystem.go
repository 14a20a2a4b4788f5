package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/custodia/depositd/pkg/registry"
)

// Filesystem writes packages into a local directory. Useful for
// testing targets and for repositories harvested off a shared mount.
type Filesystem struct {
	binding *registry.FilesystemBinding
}

// NewFilesystem builds a filesystem transport for the given binding
func NewFilesystem(b *registry.FilesystemBinding) *Filesystem {
	return &Filesystem{binding: b}
}

func (f *Filesystem) Protocol() string { return "filesystem" }

// Open verifies the base directory, creating it when the binding allows
func (f *Filesystem) Open(ctx context.Context) (Session, error) {
	info, err := os.Stat(f.binding.BaseDir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("base dir %s is not a directory", f.binding.BaseDir)
		}
	case os.IsNotExist(err) && f.binding.CreateIfMissing:
		if err := os.MkdirAll(f.binding.BaseDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create base dir: %w", err)
		}
	default:
		return nil, fmt.Errorf("stat base dir %s: %w", f.binding.BaseDir, err)
	}

	return &filesystemSession{binding: f.binding}, nil
}

type filesystemSession struct {
	binding *registry.FilesystemBinding
}

// Send streams the package to <baseDir>/<name>. The response is
// opaque: the filesystem has no status to report back.
func (s *filesystemSession) Send(ctx context.Context, pkg *Package) (*Response, error) {
	dest := filepath.Join(s.binding.BaseDir, pkg.Name)

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !s.binding.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	out, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}, nil
	}

	if _, err := io.Copy(out, pkg.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return &Response{Success: false, Error: err.Error()}, nil
	}
	if err := out.Close(); err != nil {
		return &Response{Success: false, Error: err.Error()}, nil
	}

	return &Response{Success: true}, nil
}

func (s *filesystemSession) Close() error { return nil }

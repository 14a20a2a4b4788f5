package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/registry"
	"github.com/custodia/depositd/pkg/transport"
)

// Assembler produces a packaged byte stream for one deposit
// submission. Implementations must be safe for concurrent use; any
// per-package state lives in the returned stream.
type Assembler interface {
	Assemble(ctx context.Context, ds *model.DepositSubmission, opts registry.AssemblerOptions) (*PackageStream, error)
}

// Packager binds the assembler, transport and configuration for one
// target repository
type Packager struct {
	Assembler Assembler
	Transport transport.Transport
	Config    *registry.Config
}

// ForSpecification returns the assembler registered for a packaging
// specification id. "simple-archive" is the only built-in.
func ForSpecification(spec string, client *http.Client) (Assembler, error) {
	switch spec {
	case "", "simple-archive":
		return NewArchiveAssembler(client), nil
	default:
		return nil, fmt.Errorf("unknown packaging specification %q", spec)
	}
}

// PackageStream is a single-shot package producer: Open may be called
// exactly once, and the returned reader must be fully consumed before
// close. Packages are not restartable.
type PackageStream struct {
	Name      string
	MediaType string

	mu     sync.Mutex
	opened bool
	open   func() io.ReadCloser
}

// NewPackageStream wraps a stream producer for assemblers defined
// outside this package
func NewPackageStream(name, mediaType string, open func() io.ReadCloser) *PackageStream {
	return &PackageStream{Name: name, MediaType: mediaType, open: open}
}

// Open returns the package byte stream. A second call fails.
func (s *PackageStream) Open() (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil, errors.New("package stream already consumed")
	}
	s.opened = true
	return s.open(), nil
}

package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/custodia/depositd/pkg/registry"
)

// Package is the serialized custodial content handed to a session for
// transfer. Body is a single-shot stream: sessions read it exactly
// once and never seek.
type Package struct {
	Name      string
	MediaType string
	// Packaging names the packaging specification for targets that
	// care (SWORD's Packaging header); others ignore it
	Packaging string
	Body      io.Reader
}

// Receipt is the structured portion of a SWORD-style transport
// response: where the item lives and where its status can be polled
type Receipt struct {
	ItemURL      string
	StatementURL string
}

// Response reports the outcome of a physical transfer. A nil Receipt
// means the response is opaque: the target gave back nothing to track
// the deposit by.
type Response struct {
	Success bool
	Error   string
	Receipt *Receipt
}

// Session is a scope-bound connection to a remote endpoint. Callers
// must Close on every exit path.
type Session interface {
	Send(ctx context.Context, pkg *Package) (*Response, error)
	Close() error
}

// Transport opens sessions to one remote endpoint
type Transport interface {
	Open(ctx context.Context) (Session, error)
	// Protocol is the short binding name, used for logs and metrics
	Protocol() string
}

// HTTPOptions configure HTTP-backed transports
type HTTPOptions struct {
	Timeout   time.Duration
	UserAgent string
}

// ForConfig builds the transport matching a repository configuration's
// protocol binding
func ForConfig(cfg *registry.Config, opts HTTPOptions) (Transport, error) {
	switch b := cfg.Binding.(type) {
	case *registry.FilesystemBinding:
		return NewFilesystem(b), nil
	case *registry.FTPBinding:
		return NewFTP(b, opts.Timeout), nil
	case *registry.SwordBinding:
		return NewSword(b, opts), nil
	default:
		return nil, fmt.Errorf("no transport for protocol binding %T", cfg.Binding)
	}
}

package deposit

import (
	"net/http"
	"time"

	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/packager"
	"github.com/custodia/depositd/pkg/registry"
	"github.com/custodia/depositd/pkg/transport"
)

// TaskConfig carries the service-wide deposit task knobs
type TaskConfig struct {
	// Retries is the critical interaction retry budget
	Retries int

	// RewritePrefix / RewriteReplacement rewrite statement URLs whose
	// prefix matches; targets sometimes hand out internal URLs that
	// are not reachable from here. An empty prefix disables rewriting.
	RewritePrefix      string
	RewriteReplacement string

	// HTTPTimeout bounds every outbound HTTP call
	HTTPTimeout time.Duration

	UserAgent string
}

// RewriteStatementURL applies the configured prefix rewrite to a
// statement URL; non-matching URLs pass through unchanged
func (c TaskConfig) RewriteStatementURL(u string) string {
	if c.RewritePrefix == "" || len(u) < len(c.RewritePrefix) {
		return u
	}
	if u[:len(c.RewritePrefix)] != c.RewritePrefix {
		return u
	}
	return c.RewriteReplacement + u[len(c.RewritePrefix):]
}

// PackagerFactory resolves the packager triple (assembler, transport,
// configuration) for a target repository
type PackagerFactory struct {
	Registry *registry.Registry
	HTTP     transport.HTTPOptions

	client *http.Client
}

// NewPackagerFactory builds a factory sharing one HTTP client across
// assemblers
func NewPackagerFactory(reg *registry.Registry, opts transport.HTTPOptions) *PackagerFactory {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &PackagerFactory{
		Registry: reg,
		HTTP:     opts,
		client:   &http.Client{Timeout: timeout},
	}
}

// For resolves the packager for a repository, or fails with the
// registry's ErrNoConfig when the repository is unconfigured
func (f *PackagerFactory) For(repo *model.Repository) (*packager.Packager, error) {
	cfg, err := f.Registry.Resolve(repo)
	if err != nil {
		return nil, err
	}

	asm, err := packager.ForSpecification(cfg.Assembler.Specification, f.client)
	if err != nil {
		return nil, err
	}

	tr, err := transport.ForConfig(cfg, f.HTTP)
	if err != nil {
		return nil, err
	}

	return &packager.Packager{
		Assembler: asm,
		Transport: tr,
		Config:    cfg,
	}, nil
}

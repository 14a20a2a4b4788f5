package resolver

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/custodia/depositd/pkg/registry"
)

// ErrUnmapped means the status document was fetched and parsed but
// contained no recognized status term
var ErrUnmapped = errors.New("status document carries no recognized status term")

// SwordStateScheme is the Atom category scheme that carries a SWORD
// deposit's state term
const SwordStateScheme = "http://purl.org/net/sword/terms/state"

// StatusResolver retrieves a deposit's status reference document and
// extracts the external status token it asserts
type StatusResolver interface {
	Resolve(ctx context.Context, statusRef string, cfg *registry.Config) (string, error)
}

// Options configure resolver construction
type Options struct {
	Timeout         time.Duration
	UserAgent       string
	FollowRedirects bool
}

// ForID returns the resolver registered under the given processor id.
// "atom" is the only built-in.
func ForID(id string, opts Options) (StatusResolver, error) {
	switch id {
	case "", "atom":
		return NewAtomResolver(opts), nil
	default:
		return nil, fmt.Errorf("unknown deposit status processor %q", id)
	}
}

// AtomResolver parses Atom statement feeds: the external status is the
// term of the first category carried under the sword-state scheme.
type AtomResolver struct {
	client    *http.Client
	userAgent string
}

// NewAtomResolver builds a resolver with explicit timeouts
func NewAtomResolver(opts Options) *AtomResolver {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &AtomResolver{client: client, userAgent: opts.UserAgent}
}

type atomFeed struct {
	XMLName    xml.Name       `xml:"feed"`
	Categories []atomCategory `xml:"category"`
	Entries    []atomEntry    `xml:"entry"`
}

type atomEntry struct {
	Categories []atomCategory `xml:"category"`
}

type atomCategory struct {
	Scheme string `xml:"scheme,attr"`
	Term   string `xml:"term,attr"`
}

// Resolve fetches the statement at statusRef, authenticating with the
// matching realm from cfg when one covers the URL
func (r *AtomResolver) Resolve(ctx context.Context, statusRef string, cfg *registry.Config) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusRef, nil)
	if err != nil {
		return "", fmt.Errorf("building statement request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if cfg != nil {
		if realm, ok := cfg.Realm(statusRef); ok {
			req.SetBasicAuth(realm.Username, realm.Password)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching statement %s: %w", statusRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching statement %s: unexpected status %d", statusRef, resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return "", fmt.Errorf("parsing statement %s: %w", statusRef, err)
	}

	if term, ok := stateTerm(feed.Categories); ok {
		return term, nil
	}
	for _, entry := range feed.Entries {
		if term, ok := stateTerm(entry.Categories); ok {
			return term, nil
		}
	}

	return "", fmt.Errorf("statement %s: %w", statusRef, ErrUnmapped)
}

// stateTerm returns the first sword-state category term, if present
func stateTerm(categories []atomCategory) (string, bool) {
	for _, c := range categories {
		if c.Scheme == SwordStateScheme && c.Term != "" {
			return c.Term, true
		}
	}
	return "", false
}

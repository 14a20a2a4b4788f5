package transport

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/custodia/depositd/pkg/registry"
)

// SwordStatementRel is the link rel a SWORD receipt uses to point at
// the deposit's statement document
const SwordStatementRel = "http://purl.org/net/sword/terms/statement"

// Sword deposits packages into a SWORDv2 collection over HTTP. The
// receipt it parses carries the item link and the statement link the
// status reconcilers poll later.
type Sword struct {
	binding   *registry.SwordBinding
	client    *http.Client
	userAgent string
}

// NewSword builds a SWORD transport for the given binding
func NewSword(b *registry.SwordBinding, opts HTTPOptions) *Sword {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Sword{
		binding:   b,
		client:    &http.Client{Timeout: timeout},
		userAgent: opts.UserAgent,
	}
}

func (s *Sword) Protocol() string { return "sword" }

// Open returns a session bound to the default collection
func (s *Sword) Open(ctx context.Context) (Session, error) {
	if s.binding.DefaultCollectionURL == "" {
		return nil, fmt.Errorf("sword binding has no collection URL")
	}
	return &swordSession{transport: s}, nil
}

type swordSession struct {
	transport *Sword
}

// Send POSTs the package to the collection and parses the deposit
// receipt. A non-2xx response is a physical failure, not an error.
func (s *swordSession) Send(ctx context.Context, pkg *Package) (*Response, error) {
	t := s.transport

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.binding.DefaultCollectionURL, pkg.Body)
	if err != nil {
		return nil, fmt.Errorf("building deposit request: %w", err)
	}

	req.Header.Set("Content-Type", pkg.MediaType)
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", pkg.Name))
	req.Header.Set("In-Progress", "false")
	if pkg.Packaging != "" {
		req.Header.Set("Packaging", pkg.Packaging)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if t.binding.OnBehalfOf != "" {
		req.Header.Set("On-Behalf-Of", t.binding.OnBehalfOf)
	}
	if t.binding.Username != "" {
		req.SetBasicAuth(t.binding.Username, t.binding.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Response{
			Success: false,
			Error:   fmt.Sprintf("collection returned status %d", resp.StatusCode),
		}, nil
	}

	receipt, err := parseReceipt(resp)
	if err != nil {
		// Bytes were accepted; a malformed receipt only costs us the
		// tracking links
		return &Response{Success: true}, nil
	}

	return &Response{Success: true, Receipt: receipt}, nil
}

func (s *swordSession) Close() error { return nil }

type receiptEntry struct {
	XMLName xml.Name      `xml:"entry"`
	Links   []receiptLink `xml:"link"`
}

type receiptLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

// parseReceipt extracts the item (alternate) and statement links from
// a SWORD deposit receipt entry
func parseReceipt(resp *http.Response) (*Receipt, error) {
	var entry receiptEntry
	if err := xml.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("parsing deposit receipt: %w", err)
	}

	receipt := &Receipt{}
	for _, link := range entry.Links {
		switch link.Rel {
		case "alternate":
			if receipt.ItemURL == "" {
				receipt.ItemURL = link.Href
			}
		case SwordStatementRel:
			// Prefer the Atom-feed statement when the receipt offers
			// several representations
			if receipt.StatementURL == "" || strings.Contains(link.Type, "atom") {
				receipt.StatementURL = link.Href
			}
		}
	}

	if receipt.ItemURL == "" && receipt.StatementURL == "" {
		return nil, fmt.Errorf("deposit receipt carries no usable links")
	}
	return receipt, nil
}

package registry

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/status"
)

// ErrNoConfig is returned when a repository has no resolvable
// configuration. This is a misconfiguration, not a transient fault.
var ErrNoConfig = errors.New("no repository configuration")

// DefaultSettleDelay is waited after a SWORD-style deposit before the
// status reference is first resolved, unless the repository overrides it
const DefaultSettleDelay = 2 * time.Second

// AuthRealm is a basic-auth credential scoped to a URL prefix
type AuthRealm struct {
	BaseURL  string `yaml:"base-url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Binding is the tagged protocol-binding variant of a repository
// configuration. Exactly one concrete binding backs each config.
type Binding interface {
	Protocol() string
}

// FilesystemBinding writes packages to a local directory
type FilesystemBinding struct {
	BaseDir         string `yaml:"base-dir"`
	Overwrite       bool   `yaml:"overwrite"`
	CreateIfMissing bool   `yaml:"create-if-missing"`
}

func (b *FilesystemBinding) Protocol() string { return "filesystem" }

// FTPBinding transfers packages over FTP
type FTPBinding struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DefaultDir string `yaml:"default-dir"`
	Mode       string `yaml:"mode"`
	Type       string `yaml:"type"`
	Passive    bool   `yaml:"passive"`
}

func (b *FTPBinding) Protocol() string { return "ftp" }

// SwordBinding deposits packages into a SWORDv2 collection
type SwordBinding struct {
	ServiceDocURL        string            `yaml:"service-doc-url"`
	DefaultCollectionURL string            `yaml:"default-collection-url"`
	Username             string            `yaml:"username"`
	Password             string            `yaml:"password"`
	OnBehalfOf           string            `yaml:"on-behalf-of"`
	CollectionHints      map[string]string `yaml:"collection-hints"`
}

func (b *SwordBinding) Protocol() string { return "sword" }

// AssemblerOptions select archive, compression and checksum algorithms
type AssemblerOptions struct {
	Archive     string   `yaml:"archive"`
	Compression string   `yaml:"compression"`
	Algorithms  []string `yaml:"algorithms"`
}

// AssemblerConfig names the packaging specification and its options
type AssemblerConfig struct {
	Specification string           `yaml:"specification"`
	Options       AssemblerOptions `yaml:"options"`
}

// Config is the full per-target deposit configuration. It is not a
// store resource; the registry holds it in memory, keyed by
// repositoryKey, read-only after load.
type Config struct {
	RepositoryKey string
	Processor     string
	StatusMapping status.Mapping
	AuthRealms    []AuthRealm
	Binding       Binding
	Assembler     AssemblerConfig
	SettleDelay   time.Duration
}

// Realm returns the auth realm whose base URL prefixes u, if any
func (c *Config) Realm(u string) (AuthRealm, bool) {
	for _, r := range c.AuthRealms {
		if r.BaseURL != "" && strings.HasPrefix(u, r.BaseURL) {
			return r, true
		}
	}
	return AuthRealm{}, false
}

// Registry is the in-memory repository configuration registry,
// immutable after Load
type Registry struct {
	configs map[string]*Config
}

// Load parses the repository configuration document at path
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository configuration: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from a YAML configuration document
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse repository configuration: %w", err)
	}
	if len(doc.Repositories) == 0 {
		return nil, errors.New("repository configuration declares no repositories")
	}

	r := &Registry{configs: make(map[string]*Config, len(doc.Repositories))}
	for key, rd := range doc.Repositories {
		cfg, err := rd.toConfig(key)
		if err != nil {
			return nil, fmt.Errorf("repository %q: %w", key, err)
		}
		r.configs[key] = cfg
	}
	return r, nil
}

// Keys returns the registered repository keys
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.configs))
	for k := range r.configs {
		keys = append(keys, k)
	}
	return keys
}

// Lookup returns the configuration registered under exactly key
func (r *Registry) Lookup(key string) (*Config, bool) {
	c, ok := r.configs[key]
	return c, ok
}

// Resolve finds the configuration for a repository, trying in order:
// the repository id, the repository key, the URI-path component of the
// id, then progressive suffixes of that path with and without a
// leading slash. The first registered key wins.
func (r *Registry) Resolve(repo *model.Repository) (*Config, error) {
	for _, key := range resolutionCandidates(repo) {
		if c, ok := r.configs[key]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w for repository %s (key %q)", ErrNoConfig, repo.ID, repo.RepositoryKey)
}

func resolutionCandidates(repo *model.Repository) []string {
	var candidates []string
	add := func(k string) {
		if k == "" {
			return
		}
		for _, c := range candidates {
			if c == k {
				return
			}
		}
		candidates = append(candidates, k)
	}

	add(repo.ID)
	add(repo.RepositoryKey)

	u, err := url.Parse(repo.ID)
	if err != nil || u.Path == "" {
		return candidates
	}
	path := u.Path
	add(path)
	add(strings.TrimPrefix(path, "/"))

	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(segments); i++ {
		suffix := strings.Join(segments[i:], "/")
		add(suffix)
		add("/" + suffix)
	}
	return candidates
}

// --- YAML document shapes ---

type document struct {
	Repositories map[string]*repositoryDoc `yaml:"repositories"`
}

type repositoryDoc struct {
	DepositConfig struct {
		Processing struct {
			Processor string `yaml:"processor"`
		} `yaml:"processing"`
		Mapping map[string]string `yaml:"mapping"`
	} `yaml:"deposit-config"`
	TransportConfig struct {
		AuthRealms      []AuthRealm `yaml:"auth-realms"`
		ProtocolBinding yaml.Node   `yaml:"protocol-binding"`
	} `yaml:"transport-config"`
	Assembler   AssemblerConfig `yaml:"assembler"`
	SettleDelay string          `yaml:"settle-delay"`
}

func (rd *repositoryDoc) toConfig(key string) (*Config, error) {
	binding, err := decodeBinding(&rd.TransportConfig.ProtocolBinding)
	if err != nil {
		return nil, err
	}

	mapping := status.Mapping{Rules: make(map[string]model.DepositStatus)}
	for uri, s := range rd.DepositConfig.Mapping {
		ds, err := parseDepositStatus(s)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", uri, err)
		}
		if uri == "default-mapping" {
			mapping.Default = ds
			continue
		}
		mapping.Rules[uri] = ds
	}

	settle := DefaultSettleDelay
	if rd.SettleDelay != "" {
		settle, err = time.ParseDuration(rd.SettleDelay)
		if err != nil {
			return nil, fmt.Errorf("settle-delay: %w", err)
		}
	}

	processor := rd.DepositConfig.Processing.Processor
	if processor == "" {
		processor = "atom"
	}

	return &Config{
		RepositoryKey: key,
		Processor:     processor,
		StatusMapping: mapping,
		AuthRealms:    rd.TransportConfig.AuthRealms,
		Binding:       binding,
		Assembler:     rd.Assembler,
		SettleDelay:   settle,
	}, nil
}

// decodeBinding decodes the protocol-binding node into its concrete
// variant, discriminated by the "protocol" field
func decodeBinding(node *yaml.Node) (Binding, error) {
	if node == nil || node.Kind == 0 {
		return nil, errors.New("missing protocol-binding")
	}

	var tag struct {
		Protocol string `yaml:"protocol"`
	}
	if err := node.Decode(&tag); err != nil {
		return nil, fmt.Errorf("protocol-binding: %w", err)
	}

	switch tag.Protocol {
	case "filesystem":
		b := &FilesystemBinding{}
		if err := node.Decode(b); err != nil {
			return nil, fmt.Errorf("filesystem binding: %w", err)
		}
		return b, nil
	case "ftp":
		b := &FTPBinding{Port: 21, Passive: true, Type: "binary"}
		if err := node.Decode(b); err != nil {
			return nil, fmt.Errorf("ftp binding: %w", err)
		}
		return b, nil
	case "sword":
		b := &SwordBinding{}
		if err := node.Decode(b); err != nil {
			return nil, fmt.Errorf("sword binding: %w", err)
		}
		if b.DefaultCollectionURL == "" {
			return nil, errors.New("sword binding requires default-collection-url")
		}
		return b, nil
	case "":
		return nil, errors.New("protocol-binding missing protocol field")
	default:
		return nil, fmt.Errorf("unknown protocol %q", tag.Protocol)
	}
}

func parseDepositStatus(s string) (model.DepositStatus, error) {
	switch strings.ToLower(s) {
	case "submitted":
		return model.DepositSubmitted, nil
	case "accepted":
		return model.DepositAccepted, nil
	case "rejected":
		return model.DepositRejected, nil
	case "failed":
		return model.DepositFailed, nil
	default:
		return "", fmt.Errorf("unknown deposit status %q", s)
	}
}

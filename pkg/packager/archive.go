package packager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"time"

	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/registry"
)

// ArchiveAssembler builds the default "simple-archive" package: a tar
// (optionally gzip'd) containing the submission's files under data/,
// a metadata.json, and one checksum manifest per configured algorithm.
type ArchiveAssembler struct {
	client *http.Client
}

// NewArchiveAssembler builds an assembler that fetches file content
// over the given client
func NewArchiveAssembler(client *http.Client) *ArchiveAssembler {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ArchiveAssembler{client: client}
}

// Assemble validates the submission and returns a lazy, single-shot
// package stream. File content is fetched and archived only when the
// stream is opened and read.
func (a *ArchiveAssembler) Assemble(ctx context.Context, ds *model.DepositSubmission, opts registry.AssemblerOptions) (*PackageStream, error) {
	if len(ds.Files) == 0 {
		return nil, fmt.Errorf("deposit submission %s has no files", ds.ID)
	}
	for _, f := range ds.Files {
		if f.Location == "" {
			return nil, fmt.Errorf("file %q in submission %s has no content location", f.Name, ds.ID)
		}
	}
	if opts.Archive != "" && opts.Archive != "tar" {
		return nil, fmt.Errorf("unsupported archive format %q", opts.Archive)
	}

	gzipped := opts.Compression == "" || opts.Compression == "gzip"

	name := ds.ID + ".tar"
	mediaType := "application/x-tar"
	if gzipped {
		name += ".gz"
		mediaType = "application/gzip"
	}

	return &PackageStream{
		Name:      name,
		MediaType: mediaType,
		open: func() io.ReadCloser {
			pr, pw := io.Pipe()
			go a.write(ctx, pw, ds, opts, gzipped)
			return pr
		},
	}, nil
}

func (a *ArchiveAssembler) write(ctx context.Context, pw *io.PipeWriter, ds *model.DepositSubmission, opts registry.AssemblerOptions, gzipped bool) {
	var out io.WriteCloser = pw
	var gz *gzip.Writer
	if gzipped {
		gz = gzip.NewWriter(pw)
		out = gz
	}
	tw := tar.NewWriter(out)

	fail := func(err error) {
		tw.Close()
		if gz != nil {
			gz.Close()
		}
		pw.CloseWithError(err)
	}

	algorithms := opts.Algorithms
	if len(algorithms) == 0 {
		algorithms = []string{"sha256"}
	}
	// manifest per algorithm: lines of "<hex>  data/<name>"
	manifests := make(map[string]*bytes.Buffer, len(algorithms))
	for _, alg := range algorithms {
		manifests[alg] = &bytes.Buffer{}
	}

	for _, f := range ds.Files {
		content, err := a.fetch(ctx, f.Location)
		if err != nil {
			fail(fmt.Errorf("fetching %q: %w", f.Name, err))
			return
		}

		entry := "data/" + f.Name
		for _, alg := range algorithms {
			h, err := hasherFor(alg)
			if err != nil {
				fail(err)
				return
			}
			h.Write(content)
			fmt.Fprintf(manifests[alg], "%s  %s\n", hex.EncodeToString(h.Sum(nil)), entry)
		}

		if err := writeEntry(tw, entry, content); err != nil {
			fail(err)
			return
		}
	}

	meta, err := json.MarshalIndent(ds.Metadata, "", "  ")
	if err != nil {
		fail(fmt.Errorf("encoding metadata: %w", err))
		return
	}
	if err := writeEntry(tw, "metadata.json", meta); err != nil {
		fail(err)
		return
	}

	for _, alg := range algorithms {
		if err := writeEntry(tw, "manifest-"+alg+".txt", manifests[alg].Bytes()); err != nil {
			fail(err)
			return
		}
	}

	if err := tw.Close(); err != nil {
		pw.CloseWithError(err)
		return
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
	}
	pw.Close()
}

func (a *ArchiveAssembler) fetch(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content location returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func writeEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header %q: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("writing tar entry %q: %w", name, err)
	}
	return nil
}

func hasherFor(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

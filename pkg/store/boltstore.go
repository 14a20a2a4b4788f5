package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/custodia/depositd/pkg/model"
)

var (
	// Bucket names, one per resource kind
	bucketSubmissions      = []byte("submissions")
	bucketDeposits         = []byte("deposits")
	bucketRepositories     = []byte("repositories")
	bucketRepositoryCopies = []byte("repository_copies")
	bucketFiles            = []byte("files")
)

var kindBuckets = map[model.Kind][]byte{
	model.KindSubmission:     bucketSubmissions,
	model.KindDeposit:        bucketDeposits,
	model.KindRepository:     bucketRepositories,
	model.KindRepositoryCopy: bucketRepositoryCopies,
	model.KindFile:           bucketFiles,
}

// incomingAttrs lists, per kind, the attributes that reference other
// resources. Incoming() scans these to build the reverse-link map.
var incomingAttrs = map[model.Kind][]string{
	model.KindDeposit:        {"submissionId", "repositoryId", "repositoryCopyId"},
	model.KindFile:           {"submissionId"},
	model.KindRepositoryCopy: {"repositoryId", "publicationId"},
}

// BoltStore implements Store on an embedded BoltDB file. It backs the
// self-contained runner and the test suite; the etag contract is the
// same one the remote metadata API exposes, enforced inside the write
// transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "depositd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range kindBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create persists a new resource, assigning an id when absent and a
// fresh etag
func (s *BoltStore) Create(ctx context.Context, r model.Resource) error {
	bucket, err := bucketFor(r.ResourceKind())
	if err != nil {
		return err
	}

	if r.GetID() == "" {
		r.SetID(uuid.NewString())
	}
	r.SetEtag(uuid.NewString())

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(r.GetID())) != nil {
			return fmt.Errorf("resource already exists: %s", r.GetID())
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.GetID()), data)
	})
}

// Read retrieves one resource by kind and id
func (s *BoltStore) Read(ctx context.Context, kind model.Kind, id string) (model.Resource, error) {
	bucket, err := bucketFor(kind)
	if err != nil {
		return nil, err
	}

	var res model.Resource
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		res = newResource(kind)
		return json.Unmarshal(data, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Update writes a resource back under its observed etag. A stale etag
// fails with ErrConflict and leaves the stored copy untouched.
func (s *BoltStore) Update(ctx context.Context, r model.Resource) error {
	bucket, err := bucketFor(r.ResourceKind())
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(r.GetID()))
		if data == nil {
			return fmt.Errorf("%w: %s %s", ErrNotFound, r.ResourceKind(), r.GetID())
		}

		var stored map[string]any
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if attrValue(stored, "etag") != r.GetEtag() {
			return fmt.Errorf("%w: %s %s", ErrConflict, r.ResourceKind(), r.GetID())
		}

		r.SetEtag(uuid.NewString())
		out, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.GetID()), out)
	})
}

// Delete removes a resource
func (s *BoltStore) Delete(ctx context.Context, kind model.Kind, id string) error {
	bucket, err := bucketFor(kind)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

// FindByAttribute scans a kind's bucket for resources whose attribute
// equals value
func (s *BoltStore) FindByAttribute(ctx context.Context, kind model.Kind, attr, value string) ([]string, error) {
	bucket, err := bucketFor(kind)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var m map[string]any
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if attrValue(m, attr) == value {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

// Incoming returns the ids of resources referencing id, keyed by
// "<kind>.<attribute>" of the referencing side
func (s *BoltStore) Incoming(ctx context.Context, id string) (map[string][]string, error) {
	incoming := make(map[string][]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		for kind, attrs := range incomingAttrs {
			b := tx.Bucket(kindBuckets[kind])
			err := b.ForEach(func(k, v []byte) error {
				var m map[string]any
				if err := json.Unmarshal(v, &m); err != nil {
					return err
				}
				for _, attr := range attrs {
					if attrValue(m, attr) == id {
						key := fmt.Sprintf("%s.%s", kind, attr)
						incoming[key] = append(incoming[key], string(k))
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return incoming, err
}

func bucketFor(kind model.Kind) ([]byte, error) {
	bucket, ok := kindBuckets[kind]
	if !ok {
		return nil, fmt.Errorf("unknown resource kind: %s", kind)
	}
	return bucket, nil
}

func newResource(kind model.Kind) model.Resource {
	switch kind {
	case model.KindSubmission:
		return &model.Submission{}
	case model.KindDeposit:
		return &model.Deposit{}
	case model.KindRepository:
		return &model.Repository{}
	case model.KindRepositoryCopy:
		return &model.RepositoryCopy{}
	case model.KindFile:
		return &model.File{}
	}
	return nil
}

// attrValue flattens a decoded JSON attribute to its string form; an
// absent attribute reads as the empty string
func attrValue(m map[string]any, attr string) string {
	v, ok := m[attr]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}

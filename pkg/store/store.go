package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia/depositd/pkg/model"
)

var (
	// ErrNotFound is returned when no resource exists at the given id
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned by Update when the resource's etag is
	// stale, i.e. another writer modified the resource since it was read
	ErrConflict = errors.New("etag conflict")
)

// Store defines typed CRUD plus attribute search over the metadata
// repository's resources. Every Update is etag-guarded: the store
// compares the etag carried by the resource against the stored one and
// refuses the write with ErrConflict when they differ. A successful
// Create or Update assigns a fresh etag to the passed resource.
type Store interface {
	Create(ctx context.Context, r model.Resource) error
	Read(ctx context.Context, kind model.Kind, id string) (model.Resource, error)
	Update(ctx context.Context, r model.Resource) error
	Delete(ctx context.Context, kind model.Kind, id string) error

	// FindByAttribute returns the ids of all resources of the given
	// kind whose named attribute equals value. An empty value matches
	// resources where the attribute is absent or empty.
	FindByAttribute(ctx context.Context, kind model.Kind, attr, value string) ([]string, error)

	// Incoming returns the ids of resources that reference id, keyed
	// by "<kind>.<attribute>" of the referencing side.
	Incoming(ctx context.Context, id string) (map[string][]string, error)

	Close() error
}

// ReadAs reads a resource and asserts it to the requested concrete type
func ReadAs[T model.Resource](ctx context.Context, s Store, kind model.Kind, id string) (T, error) {
	var zero T
	r, err := s.Read(ctx, kind, id)
	if err != nil {
		return zero, err
	}
	t, ok := r.(T)
	if !ok {
		return zero, fmt.Errorf("resource %s has kind %s, not %T", id, kind, zero)
	}
	return t, nil
}

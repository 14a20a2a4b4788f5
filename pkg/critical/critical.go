package critical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/custodia/depositd/pkg/metrics"
	"github.com/custodia/depositd/pkg/model"
	"github.com/custodia/depositd/pkg/store"
)

// DefaultRetries is the conflict retry budget used when none is set
const DefaultRetries = 3

// Outcome classifies the result of a critical interaction
type Outcome int

const (
	// OutcomeOK means the mutation was written and the postcheck passed
	OutcomeOK Outcome = iota
	// OutcomePrecheckFailed means the resource was not in a state the
	// caller is willing to mutate; nothing was written
	OutcomePrecheckFailed
	// OutcomePostcheckFailed means the mutation was written but the
	// resulting state failed the caller's verification
	OutcomePostcheckFailed
	// OutcomeError means the interaction aborted on a store or mutate error
	OutcomeError
)

// Result carries the outcome of Perform, the resource as last read or
// written, and the value returned by the mutate step
type Result[T model.Resource, R any] struct {
	Outcome  Outcome
	Resource T
	Value    R
	Err      error
}

// OK reports whether the interaction completed and verified
func (r Result[T, R]) OK() bool { return r.Outcome == OutcomeOK }

// Interaction is the optimistic-concurrency mutation primitive. Every
// mutation of a shared store resource flows through one of these:
//
//	read -> precheck -> mutate -> etag-guarded write -> postcheck
//
// A write conflict (stale etag) re-reads the resource, re-evaluates
// the precheck against the fresh copy, and re-applies mutate, bounded
// by Retries with exponential backoff. A conflict loser whose
// precondition no longer holds stops with OutcomePrecheckFailed
// without mutating again. Errors returned by Mutate abort without
// retry; the mutation's side effects on the in-memory resource are
// discarded because nothing is written.
type Interaction[T model.Resource, R any] struct {
	Store store.Store
	Kind  model.Kind

	// Retries bounds conflict retries; zero means DefaultRetries
	Retries int

	// Precheck gates the mutation; it is evaluated on the first read
	// and again on every conflict re-read
	Precheck func(T) bool

	// Mutate applies side effects to the resource and computes a result
	Mutate func(ctx context.Context, r T) (R, error)

	// Postcheck verifies the written resource together with the
	// mutate result; nil means no verification
	Postcheck func(r T, v R) bool
}

// Perform runs the interaction against the resource at id
func (in Interaction[T, R]) Perform(ctx context.Context, id string) Result[T, R] {
	var zero R

	retries := in.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.RandomizationFactor = 0.2
	bo.Reset()

	resource, err := store.ReadAs[T](ctx, in.Store, in.Kind, id)
	if err != nil {
		return Result[T, R]{Outcome: OutcomeError, Err: fmt.Errorf("reading %s %s: %w", in.Kind, id, err)}
	}

	if in.Precheck != nil && !in.Precheck(resource) {
		return Result[T, R]{Outcome: OutcomePrecheckFailed, Resource: resource}
	}

	var value R
	for attempt := 0; ; attempt++ {
		value, err = in.Mutate(ctx, resource)
		if err != nil {
			return Result[T, R]{Outcome: OutcomeError, Resource: resource, Err: fmt.Errorf("mutating %s %s: %w", in.Kind, id, err)}
		}

		err = in.Store.Update(ctx, resource)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return Result[T, R]{Outcome: OutcomeError, Resource: resource, Value: value, Err: fmt.Errorf("writing %s %s: %w", in.Kind, id, err)}
		}

		metrics.CriticalConflictsTotal.Inc()
		if attempt >= retries {
			return Result[T, R]{Outcome: OutcomeError, Resource: resource, Value: value,
				Err: fmt.Errorf("writing %s %s: retries exhausted: %w", in.Kind, id, err)}
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return Result[T, R]{Outcome: OutcomeError, Resource: resource, Value: zero, Err: ctx.Err()}
		}

		// Conflict: somebody else wrote first. Re-read and re-apply
		// the mutation to the fresh copy.
		resource, err = store.ReadAs[T](ctx, in.Store, in.Kind, id)
		if err != nil {
			return Result[T, R]{Outcome: OutcomeError, Err: fmt.Errorf("re-reading %s %s: %w", in.Kind, id, err)}
		}
		if in.Precheck != nil && !in.Precheck(resource) {
			return Result[T, R]{Outcome: OutcomePrecheckFailed, Resource: resource}
		}
		metrics.CriticalRetriesTotal.Inc()
	}

	if in.Postcheck != nil && !in.Postcheck(resource, value) {
		return Result[T, R]{Outcome: OutcomePostcheckFailed, Resource: resource, Value: value}
	}

	return Result[T, R]{Outcome: OutcomeOK, Resource: resource, Value: value}
}

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	id      string
	execute func(ctx context.Context) error
}

func (t *fakeTask) ID() string { return t.id }
func (t *fakeTask) Execute(ctx context.Context) error {
	if t.execute != nil {
		return t.execute(ctx)
	}
	return nil
}

// failureRecorder collects failure callbacks thread-safely
type failureRecorder struct {
	mu       sync.Mutex
	failures map[string][]error
}

func newFailureRecorder() *failureRecorder {
	return &failureRecorder{failures: make(map[string][]error)}
}

func (r *failureRecorder) record(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id] = append(r.failures[id], err)
}

func (r *failureRecorder) get(id string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[id]
}

func TestPoolExecutesTasks(t *testing.T) {
	rec := newFailureRecorder()
	p := New(2, rec.record)
	p.Start()

	var executed atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		err := p.Submit(&fakeTask{id: "t", execute: func(ctx context.Context) error {
			if executed.Add(1) == 4 {
				close(done)
			}
			return nil
		}})
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Empty(t, rec.get("t"))
}

func TestPoolRoutesTaskErrorToFailureHandler(t *testing.T) {
	rec := newFailureRecorder()
	reported := make(chan struct{})
	p := New(1, func(id string, err error) {
		rec.record(id, err)
		close(reported)
	})
	p.Start()

	boom := errors.New("transfer exploded")
	require.NoError(t, p.Submit(&fakeTask{id: "dep-1", execute: func(ctx context.Context) error {
		return boom
	}}))

	// Wait for the failure callback before shutting down: Shutdown
	// abandons queued-but-unstarted work
	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("task error was not reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	failures := rec.get("dep-1")
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], boom)
}

func TestPoolRecoversPanics(t *testing.T) {
	rec := newFailureRecorder()
	p := New(1, rec.record)
	p.Start()

	require.NoError(t, p.Submit(&fakeTask{id: "dep-1", execute: func(ctx context.Context) error {
		panic("unexpected")
	}}))
	// The worker survives and runs the next task
	ran := make(chan struct{})
	require.NoError(t, p.Submit(&fakeTask{id: "dep-2", execute: func(ctx context.Context) error {
		close(ran)
		return nil
	}}))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died on panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Len(t, rec.get("dep-1"), 1)
	assert.Empty(t, rec.get("dep-2"))
}

// A rejected submission must produce exactly one failure callback and
// ErrQueueFull, nothing else
func TestPoolRejectsWhenSaturated(t *testing.T) {
	rec := newFailureRecorder()
	p := New(1, rec.record)
	p.Start()

	// Block the single worker and fill the queue (capacity 2)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(&fakeTask{id: "blocker", execute: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(&fakeTask{id: "q1"}))
	require.NoError(t, p.Submit(&fakeTask{id: "q2"}))

	err := p.Submit(&fakeTask{id: "rejected"})
	assert.ErrorIs(t, err, ErrQueueFull)

	failures := rec.get("rejected")
	require.Len(t, failures, 1, "exactly one failure per rejected task")
	assert.ErrorIs(t, failures[0], ErrQueueFull)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := New(1, nil)
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	err := p.Submit(&fakeTask{id: "late"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPoolShutdownInterruptsAfterGrace(t *testing.T) {
	p := New(1, nil)
	p.Start()

	interrupted := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(&fakeTask{id: "slow", execute: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(interrupted)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.Error(t, err, "the grace period was exceeded")

	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Fatal("in-flight task was not interrupted")
	}
}

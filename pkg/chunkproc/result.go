package chunkproc

import (
	"context"
	"reflect"
	"sync"
)

// outcome is the untyped resolution shared by all duplicate requesters.
type outcome struct {
	status   Status
	artifact any
	failure  FailureKind
	detail   string
}

// future is a single-assignment, multi-waiter completion slot. It is
// owned by the service's in-flight table, not by any one caller, so
// every duplicate request adopts the same instance.
type future struct {
	artifactType reflect.Type

	done chan struct{}

	mu       sync.Mutex
	resolved bool
	out      outcome
}

func newFuture(artifactType reflect.Type) *future {
	return &future{artifactType: artifactType, done: make(chan struct{})}
}

// resolve publishes the outcome. Only the first call wins; later calls
// report false and change nothing.
func (f *future) resolve(o outcome) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	f.out = o
	f.resolved = true
	close(f.done)
	return true
}

func (f *future) isResolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// outcome returns the resolution if there is one.
func (f *future) outcome() (outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out, f.resolved
}

// resolvedFuture builds an already-resolved future for synchronous
// short-circuit paths (pre-canceled token, supersession at request
// time, cache hits).
func resolvedFuture(artifactType reflect.Type, o outcome) *future {
	f := newFuture(artifactType)
	f.resolve(o)
	return f
}

// WorkResult is the caller-visible resolution of one request.
type WorkResult[A any] struct {
	Status   Status
	Artifact A // populated only when Status is StatusSuccess
	Failure  FailureKind
	Detail   string // diagnostic text for failures
}

// Result is a handle to an asynchronous processing request. It resolves
// exactly once; all handles returned for duplicate requests observe the
// same resolution.
type Result[A any] struct {
	f *future
}

// Done returns a channel closed when the result is resolved.
func (r *Result[A]) Done() <-chan struct{} { return r.f.done }

// Wait blocks until the result resolves or ctx is done. The returned
// error is non-nil only for ctx expiry; request failures are reported
// through WorkResult.Status.
func (r *Result[A]) Wait(ctx context.Context) (WorkResult[A], error) {
	select {
	case <-r.f.done:
		return r.workResult(), nil
	case <-ctx.Done():
		return WorkResult[A]{}, ctx.Err()
	}
}

// Outcome returns the resolution without blocking. ok is false while
// the request is still in flight.
func (r *Result[A]) Outcome() (res WorkResult[A], ok bool) {
	if _, resolved := r.f.outcome(); !resolved {
		return WorkResult[A]{}, false
	}
	return r.workResult(), true
}

func (r *Result[A]) workResult() WorkResult[A] {
	o, _ := r.f.outcome()
	res := WorkResult[A]{Status: o.status, Failure: o.failure, Detail: o.detail}
	if o.status == StatusSuccess {
		// The in-flight table guarantees type agreement before handing
		// out a handle, so this assertion holds for Success outcomes.
		res.Artifact = o.artifact.(A)
	}
	return res
}

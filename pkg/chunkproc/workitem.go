package chunkproc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chunkforge/chunkforge/pkg/artifactcache"
	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

// workItem is the unit of execution: it validates freshness, leases a
// snapshot, invokes the processor, validates freshness again, and
// resolves exactly one pending result.
type workItem struct {
	id      uuid.UUID
	key     chunkkey.ChunkKey
	version int64
	artKey  chunkkey.ArtifactKey
	procKey chunkkey.ProcessorKey

	fut *future

	// reqCtx is the caller's context, carried so the worker can honor
	// caller cancellation mid-flight.
	reqCtx context.Context

	skipCache bool
	process   func(ctx context.Context, snap snapshot.Snapshot) (any, error)
}

// run executes the item on a worker goroutine. Every exit path resolves
// the future (if still unresolved) and cleans up bookkeeping.
func (wi *workItem) run(s *Service) {
	defer wi.cleanup(s)

	// Superseded while queued: the future was already resolved and the
	// cleanup deferred above removes any leftover bookkeeping.
	if wi.fut.isResolved() {
		return
	}

	// Computation begins; the item is no longer poppable for eager
	// supersession.
	s.unregisterPending(wi)

	// Items drained after shutdown began resolve Canceled; the shutdown
	// policy is deterministic, not a race against the worker pool.
	if s.ctx.Err() != nil {
		s.resolveAndCount(wi.fut, outcome{status: StatusCanceled, detail: "service shutting down"})
		return
	}

	if wi.reqCtx.Err() != nil {
		s.resolveAndCount(wi.fut, outcome{status: StatusCanceled, detail: "request context canceled"})
		return
	}

	// First freshness check: cheap, avoids needless snapshot work when
	// the chunk has already moved on.
	if cur := s.versions.CurrentVersion(wi.key); cur != wi.version {
		s.resolveAndCount(wi.fut, outcome{status: StatusSuperseded})
		return
	}

	// Link service shutdown and caller cancellation for the awaited
	// phases.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(wi.reqCtx, cancel)
	defer stop()

	lease, err := s.snapshots.Acquire(ctx, wi.key, wi.version)
	if err != nil {
		if isCancellation(err) {
			s.resolveAndCount(wi.fut, outcome{status: StatusCanceled, detail: "canceled while acquiring snapshot"})
		} else {
			s.resolveAndCount(wi.fut, outcome{
				status:  StatusFailed,
				failure: FailureSnapshot,
				detail:  err.Error(),
			})
		}
		return
	}
	if lease == nil {
		s.resolveAndCount(wi.fut, outcome{status: StatusUnavailable})
		return
	}
	defer lease.Release()

	start := time.Now()
	artifact, err := wi.process(ctx, lease.Snapshot())
	s.metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if isCancellation(err) {
			s.resolveAndCount(wi.fut, outcome{status: StatusCanceled, detail: "canceled during processing"})
		} else {
			s.logger.Debug().
				Str("item", wi.id.String()).
				Stringer("artifact", wi.artKey).
				Err(err).
				Msg("processor failed")
			s.resolveAndCount(wi.fut, outcome{
				status:  StatusFailed,
				failure: FailureProcessor,
				detail:  err.Error(),
			})
		}
		return
	}

	// Second freshness check: computation can take arbitrarily long,
	// and a result computed from now-stale data must never surface as
	// fresh even though it completed without error.
	if cur := s.versions.CurrentVersion(wi.key); cur != wi.version {
		s.resolveAndCount(wi.fut, outcome{status: StatusSuperseded})
		return
	}

	if s.cache != nil && !wi.skipCache {
		if sizer, ok := artifact.(artifactcache.Sizer); ok {
			s.cache.Put(wi.artKey, artifact, sizer.SizeBytes())
		}
	}

	s.resolveAndCount(wi.fut, outcome{status: StatusSuccess, artifact: artifact})
}

// cleanup removes the item's bookkeeping. It runs unconditionally on
// every exit path, including panics, and is safe to run twice.
func (wi *workItem) cleanup(s *Service) {
	s.inflight.CompareAndDelete(wi.artKey, wi.fut)
	s.unregisterPending(wi)
}

// isCancellation distinguishes context expiry from genuine failures so
// canceled work resolves Canceled rather than Failed.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

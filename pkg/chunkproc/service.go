// Package chunkproc implements the versioned chunk-artifact processing
// service: asynchronous computation of derived data from chunk
// snapshots with request deduplication, supersession of stale work,
// shared snapshot leasing, and a budget-bounded artifact cache.
package chunkproc

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chunkforge/chunkforge/internal/metrics"
	"github.com/chunkforge/chunkforge/pkg/artifactcache"
	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

// Service is the public entry point for artifact processing. It owns
// the worker pool, the in-flight and pending bookkeeping, and the
// snapshot-sharing table.
//
// Callers never block: Request either returns an existing in-flight
// handle, a synchronously resolved handle, or enqueues a work item for
// the worker pool.
type Service struct {
	cfg      Config
	versions VersionAuthority

	snapshots *snapshot.Table
	cache     *artifactcache.Cache[chunkkey.ArtifactKey, any]
	metrics   *metrics.ServiceMetrics
	logger    zerolog.Logger

	// inflight maps ArtifactKey -> *future: at most one computation
	// per artifact at any time.
	inflight sync.Map

	// latest maps ProcessorKey -> *atomic.Int64 holding the highest
	// version ever requested for that key. Monotonically non-decreasing.
	latest sync.Map

	// pending maps ProcessorKey -> *pendingSet of queued-but-not-started
	// items by version, poppable for eager supersession.
	pending sync.Map

	queue   chan *workItem
	queueMu sync.RWMutex
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Previous counter snapshots for metric delta updates, touched only
	// by the collector goroutine.
	lastTable snapshot.Stats
	lastCache artifactcache.Stats
}

// New creates and starts a processing service over the given snapshot
// source and version authority.
func New(source snapshot.Source, versions VersionAuthority, cfg Config) *Service {
	cfg = cfg.withDefaults()

	logger := cfg.Logger.With().Str("component", "chunkproc").Logger()

	s := &Service{
		cfg:       cfg,
		versions:  versions,
		snapshots: snapshot.NewTable(source, cfg.Logger),
		metrics:   metrics.NewServiceMetrics(cfg.Registry),
		logger:    logger,
		queue:     make(chan *workItem, cfg.QueueSize),
	}
	if cfg.CacheBudgetBytes > 0 {
		s.cache = artifactcache.New[chunkkey.ArtifactKey, any](cfg.CacheBudgetBytes)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.collectLoop()

	logger.Info().
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Int64("cache_budget", cfg.CacheBudgetBytes).
		Msg("processing service started")

	return s
}

// RequestOption adjusts a single Request call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	skipCache bool
}

// WithoutCache disables the artifact cache for this request: no lookup
// before enqueue and no store on success.
func WithoutCache() RequestOption {
	return func(o *requestOptions) { o.skipCache = true }
}

// Request asks the service to compute proc's artifact for (key,
// version). It never blocks; the returned handle resolves exactly once,
// asynchronously unless a synchronous short-circuit applies
// (pre-canceled context, already-superseded version, cache hit, or
// rejection).
//
// Concurrent requests with the same (key, version, processor id) share
// one computation and one handle. A nil processor panics: that is
// caller misuse, not a runtime condition.
func Request[A any](ctx context.Context, s *Service, key chunkkey.ChunkKey, version int64, proc Processor[A], opts ...RequestOption) *Result[A] {
	if proc == nil {
		panic("chunkproc: nil processor")
	}
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	artifactType := reflect.TypeOf((*A)(nil)).Elem()

	if ctx.Err() != nil {
		return &Result[A]{s.resolveNow(artifactType, outcome{status: StatusCanceled, detail: "request context already canceled"})}
	}

	pk := chunkkey.ProcessorKey{Chunk: key, Processor: proc.ID()}
	if !s.raiseLatest(pk, version) {
		return &Result[A]{s.resolveNow(artifactType, outcome{status: StatusSuperseded})}
	}

	ak := chunkkey.ArtifactKey{Chunk: key, Version: version, Processor: proc.ID()}

	if s.cache != nil && !ro.skipCache {
		if v, ok := s.cache.Get(ak); ok {
			if a, ok := v.(A); ok {
				return &Result[A]{s.resolveNow(artifactType, outcome{status: StatusSuccess, artifact: a})}
			}
			return &Result[A]{s.resolveNow(artifactType, outcome{
				status:  StatusFailed,
				failure: FailureUnknown,
				detail:  "processor id reused with a different artifact type",
			})}
		}
	}

	f := newFuture(artifactType)
	actual, loaded := s.inflight.LoadOrStore(ak, f)
	if loaded {
		existing := actual.(*future)
		if existing.artifactType != artifactType {
			// Same processor id bound to two artifact types is a
			// programming error; surface it instead of coercing.
			return &Result[A]{s.resolveNow(artifactType, outcome{
				status:  StatusFailed,
				failure: FailureUnknown,
				detail:  "processor id reused with a different artifact type",
			})}
		}
		s.metrics.DedupHits.Inc()
		return &Result[A]{existing}
	}

	wi := &workItem{
		id:        uuid.New(),
		key:       key,
		version:   version,
		artKey:    ak,
		procKey:   pk,
		fut:       f,
		reqCtx:    ctx,
		skipCache: ro.skipCache,
		process: func(ctx context.Context, snap snapshot.Snapshot) (any, error) {
			return proc.Process(ctx, snap)
		},
	}

	s.registerPending(wi)

	if !s.submit(wi) {
		s.unregisterPending(wi)
		s.inflight.CompareAndDelete(ak, f)
		s.metrics.QueueRejected.Inc()
		s.resolveAndCount(f, outcome{
			status:  StatusFailed,
			failure: FailureUnknown,
			detail:  "service unavailable",
		})
		return &Result[A]{f}
	}

	s.logger.Debug().
		Str("item", wi.id.String()).
		Stringer("artifact", ak).
		Msg("work item enqueued")

	return &Result[A]{f}
}

// raiseLatest advances the latest requested version for pk to at least
// version using a CAS retry loop. It reports false if a strictly newer
// version was already requested (the caller's request is superseded),
// including when a concurrent writer advances past version mid-loop.
func (s *Service) raiseLatest(pk chunkkey.ProcessorKey, version int64) bool {
	v, _ := s.latest.LoadOrStore(pk, new(atomic.Int64))
	latest := v.(*atomic.Int64)
	for {
		cur := latest.Load()
		if cur > version {
			return false
		}
		if latest.CompareAndSwap(cur, version) {
			return true
		}
	}
}

// registerPending adds wi to its ProcessorKey's pending set and eagerly
// supersedes any queued items with strictly older versions. Superseded
// items incur zero snapshot or processor cost.
func (s *Service) registerPending(wi *workItem) {
	for {
		v, _ := s.pending.LoadOrStore(wi.procKey, newPendingSet())
		ps := v.(*pendingSet)
		older, ok := ps.register(wi)
		if !ok {
			continue
		}
		for _, old := range older {
			s.metrics.EagerSupersessions.Inc()
			s.resolveAndCount(old.fut, outcome{status: StatusSuperseded})
			s.inflight.CompareAndDelete(old.artKey, old.fut)
		}
		return
	}
}

// unregisterPending removes wi from its pending set, dropping the set
// itself once empty.
func (s *Service) unregisterPending(wi *workItem) {
	v, ok := s.pending.Load(wi.procKey)
	if !ok {
		return
	}
	ps := v.(*pendingSet)
	if ps.remove(wi) {
		s.pending.CompareAndDelete(wi.procKey, ps)
	}
}

// submit enqueues wi without blocking. It reports false when the
// service is closed or the queue is full; the caller rolls back
// bookkeeping.
func (s *Service) submit(wi *workItem) bool {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- wi:
		return true
	default:
		return false
	}
}

// resolveNow builds an already-resolved future and records its outcome.
func (s *Service) resolveNow(artifactType reflect.Type, o outcome) *future {
	f := resolvedFuture(artifactType, o)
	s.metrics.RequestsTotal.WithLabelValues(o.status.String()).Inc()
	return f
}

// resolveAndCount resolves f with o; the outcome counter only moves on
// the winning resolution.
func (s *Service) resolveAndCount(f *future, o outcome) {
	if f.resolve(o) {
		s.metrics.RequestsTotal.WithLabelValues(o.status.String()).Inc()
	}
}

// worker drains the queue until it closes. A panicking work item
// resolves Failed and never takes the worker down with it.
func (s *Service) worker() {
	defer s.wg.Done()
	for wi := range s.queue {
		s.runItem(wi)
	}
}

func (s *Service) runItem(wi *workItem) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("item", wi.id.String()).
				Stringer("artifact", wi.artKey).
				Interface("panic", r).
				Msg("work item panicked")
			s.resolveAndCount(wi.fut, outcome{
				status:  StatusFailed,
				failure: FailureProcessor,
				detail:  "processor panicked",
			})
			wi.cleanup(s)
		}
	}()
	wi.run(s)
}

// Close shuts the service down: it signals cancellation, closes the
// queue for further submissions, waits for outstanding workers up to
// the configured shutdown timeout, and then resolves every still
// pending handle as Canceled. Close is idempotent.
func (s *Service) Close() {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.queueMu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn().
			Dur("timeout", s.cfg.ShutdownTimeout).
			Msg("shutdown timeout exceeded, abandoning outstanding workers")
	}

	// Outstanding handles resolve Canceled rather than hanging their
	// waiters forever.
	s.inflight.Range(func(k, v any) bool {
		s.resolveAndCount(v.(*future), outcome{status: StatusCanceled, detail: "service closed"})
		s.inflight.Delete(k)
		return true
	})

	s.logger.Info().Msg("processing service stopped")
}

// CacheStats returns the artifact cache counters, or zero values when
// caching is disabled.
func (s *Service) CacheStats() artifactcache.Stats {
	if s.cache == nil {
		return artifactcache.Stats{}
	}
	return s.cache.Stats()
}

// SnapshotStats returns the snapshot table counters.
func (s *Service) SnapshotStats() snapshot.Stats {
	return s.snapshots.Stats()
}

// collectLoop periodically copies component counters into the
// Prometheus gauges and counter deltas.
func (s *Service) collectLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.collect()
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Service) collect() {
	st := s.snapshots.Stats()
	s.metrics.SnapshotResidentBytes.Set(float64(st.ResidentBytes))
	s.metrics.SnapshotsActive.Set(float64(st.Active))
	s.metrics.SnapshotBuilds.Add(float64(st.Builds - s.lastTable.Builds))
	s.metrics.SnapshotBuildFailures.Add(float64(st.BuildFailures - s.lastTable.BuildFailures))
	s.metrics.SnapshotUnavailable.Add(float64(st.Unavailable - s.lastTable.Unavailable))
	s.lastTable = st

	if s.cache != nil {
		cs := s.cache.Stats()
		s.metrics.CacheResidentBytes.Set(float64(cs.ResidentBytes))
		s.metrics.CacheEntries.Set(float64(cs.Entries))
		s.metrics.CacheHits.Add(float64(cs.Hits - s.lastCache.Hits))
		s.metrics.CacheMisses.Add(float64(cs.Misses - s.lastCache.Misses))
		s.metrics.CacheEvictions.Add(float64(cs.Evictions - s.lastCache.Evictions))
		s.lastCache = cs
	}

	s.metrics.QueueDepth.Set(float64(len(s.queue)))
}

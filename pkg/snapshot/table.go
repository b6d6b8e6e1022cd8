package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
)

// Table deduplicates snapshot construction across concurrent consumers.
// Each SnapshotKey has at most one entry: the first requester builds the
// snapshot, everyone else awaits the same completion, and successful
// acquisitions hold a reference. The snapshot is closed and the entry
// removed when the last reference drops.
//
// Failed or unavailable constructions are removed immediately so a later
// request can retry; a bad build never poisons the key.
type Table struct {
	source Source
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[chunkkey.SnapshotKey]*entry

	resident atomic.Int64
	active   atomic.Int64

	builds        atomic.Uint64
	buildFailures atomic.Uint64
	unavailable   atomic.Uint64
}

// entry tracks one snapshot's build state and reference count.
// waiting counts goroutines between lookup and their ready/err decision;
// the entry is never disposed while waiting > 0, so a waiter that wakes
// up after build completion can still take a reference safely.
type entry struct {
	built   chan struct{}
	snap    Snapshot
	err     error
	refs    int
	waiting int
	removed bool
}

// NewTable creates a sharing table over the given source.
func NewTable(source Source, logger zerolog.Logger) *Table {
	return &Table{
		source:  source,
		logger:  logger.With().Str("component", "snapshot-table").Logger(),
		entries: make(map[chunkkey.SnapshotKey]*entry),
	}
}

// Stats is a point-in-time view of the table's counters.
type Stats struct {
	ResidentBytes int64
	Active        int64
	Builds        uint64
	BuildFailures uint64
	Unavailable   uint64
}

// Stats returns the table's current counters.
func (t *Table) Stats() Stats {
	return Stats{
		ResidentBytes: t.resident.Load(),
		Active:        t.active.Load(),
		Builds:        t.builds.Load(),
		BuildFailures: t.buildFailures.Load(),
		Unavailable:   t.unavailable.Load(),
	}
}

// Acquire returns a lease on the shared snapshot for (key, version),
// constructing it if this is the first request. A (nil, nil) return
// means the source reported the chunk unavailable. The context covers
// both the wait for a concurrent build and the build itself; if the
// goroutine doing the build cancels mid-build, waiters whose contexts
// are still live rebuild rather than inherit its cancellation.
func (t *Table) Acquire(ctx context.Context, key chunkkey.ChunkKey, version int64) (*Lease, error) {
	sk := chunkkey.SnapshotKey{Chunk: key, Version: version}
	for {
		lease, retry, err := t.acquireOnce(ctx, sk)
		if !retry {
			return lease, err
		}
		// The entry was disposed between build completion and our
		// wakeup; start over with a fresh entry.
	}
}

func (t *Table) acquireOnce(ctx context.Context, sk chunkkey.SnapshotKey) (*Lease, bool, error) {
	t.mu.Lock()
	e, ok := t.entries[sk]
	build := false
	if !ok {
		e = &entry{built: make(chan struct{})}
		t.entries[sk] = e
		build = true
	}
	e.waiting++
	t.mu.Unlock()

	if build {
		t.build(ctx, sk, e)
	}

	select {
	case <-e.built:
	case <-ctx.Done():
		t.mu.Lock()
		e.waiting--
		toClose := t.maybeDisposeLocked(sk, e)
		t.mu.Unlock()
		t.closeSnapshot(sk, toClose)
		return nil, false, ctx.Err()
	}

	t.mu.Lock()
	e.waiting--
	if e.err != nil {
		err := e.err
		t.mu.Unlock()
		// A cancellation error belongs to whoever built the entry. A
		// co-waiter whose own context is still live retries with a
		// fresh entry instead of surfacing another caller's cancel.
		if isCancellation(err) && ctx.Err() == nil {
			return nil, true, nil
		}
		return nil, false, err
	}
	if e.snap == nil {
		t.mu.Unlock()
		return nil, false, nil
	}
	if e.removed {
		t.mu.Unlock()
		return nil, true, nil
	}
	e.refs++
	t.mu.Unlock()

	return &Lease{table: t, key: sk, entry: e}, false, nil
}

// build constructs the snapshot for a freshly inserted entry. Exactly
// one goroutine runs this per entry; failures and unavailability remove
// the entry under the same lock that publishes the result.
func (t *Table) build(ctx context.Context, sk chunkkey.SnapshotKey, e *entry) {
	snap, err := t.source.TryCreateSnapshot(ctx, sk.Chunk, sk.Version)

	t.mu.Lock()
	e.snap, e.err = snap, err
	switch {
	case err != nil:
		e.removed = true
		delete(t.entries, sk)
		t.buildFailures.Add(1)
	case snap == nil:
		e.removed = true
		delete(t.entries, sk)
		t.unavailable.Add(1)
	default:
		t.resident.Add(snap.SizeBytes())
		t.active.Add(1)
		t.builds.Add(1)
	}
	close(e.built)
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug().Stringer("snapshot", sk).Err(err).Msg("snapshot construction failed")
	}
}

// release drops one reference; called from Lease.Release.
func (t *Table) release(sk chunkkey.SnapshotKey, e *entry) {
	t.mu.Lock()
	e.refs--
	toClose := t.maybeDisposeLocked(sk, e)
	t.mu.Unlock()
	t.closeSnapshot(sk, toClose)
}

// maybeDisposeLocked removes and returns the entry's snapshot if nothing
// references it anymore. Caller holds t.mu and closes the returned
// snapshot after unlocking.
func (t *Table) maybeDisposeLocked(sk chunkkey.SnapshotKey, e *entry) Snapshot {
	if e.removed || e.refs > 0 || e.waiting > 0 {
		return nil
	}
	select {
	case <-e.built:
	default:
		return nil
	}
	if e.err != nil || e.snap == nil {
		return nil
	}
	e.removed = true
	delete(t.entries, sk)
	t.resident.Add(-e.snap.SizeBytes())
	t.active.Add(-1)
	return e.snap
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// closeSnapshot closes a disposed snapshot. Close failures are logged
// and swallowed; cleanup is advisory.
func (t *Table) closeSnapshot(sk chunkkey.SnapshotKey, snap Snapshot) {
	if snap == nil {
		return
	}
	if err := snap.Close(); err != nil {
		t.logger.Warn().Stringer("snapshot", sk).Err(err).Msg("snapshot close failed")
	}
}

// Len returns the number of live entries, for tests and introspection.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

package chunkproc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
	"github.com/chunkforge/chunkforge/testutil"
)

func newTestService(t *testing.T, src snapshot.Source, versions VersionAuthority, cfg Config) *Service {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	s := New(src, versions, cfg)
	t.Cleanup(s.Close)
	return s
}

// countingProc counts Process invocations and delegates to fn.
type countingProc struct {
	name        string
	invocations atomic.Int64
	fn          func(ctx context.Context, snap snapshot.Snapshot) (int, error)
}

func (p *countingProc) ID() string { return p.name }

func (p *countingProc) Process(ctx context.Context, snap snapshot.Snapshot) (int, error) {
	p.invocations.Add(1)
	if p.fn != nil {
		return p.fn(ctx, snap)
	}
	return len(snap.Data()), nil
}

func syncMapLen(m *sync.Map) int {
	n := 0
	m.Range(func(any, any) bool { n++; return true })
	return n
}

func TestService_Success(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 2})

	key := chunkkey.FromCoords(1, 0, 0)
	proc := &countingProc{name: "occupancy"}

	res, err := Request(context.Background(), s, key, 1, proc).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 64, res.Artifact)
	assert.Equal(t, int64(1), proc.invocations.Load())

	// All bookkeeping drains once the item finishes.
	assert.Eventually(t, func() bool {
		return syncMapLen(&s.inflight) == 0 && syncMapLen(&s.pending) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestService_Dedup(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 2})

	key := chunkkey.FromCoords(2, 0, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	proc := &countingProc{name: "slow", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		once.Do(func() { close(started) })
		<-release
		return 42, nil
	}}

	r1 := Request(context.Background(), s, key, 1, proc)
	<-started
	r2 := Request(context.Background(), s, key, 1, proc)
	close(release)

	res1, err := r1.Wait(context.Background())
	require.NoError(t, err)
	res2, err := r2.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res1.Status)
	assert.Equal(t, StatusSuccess, res2.Status)
	assert.Equal(t, res1.Artifact, res2.Artifact)
	assert.Equal(t, int64(1), proc.invocations.Load(), "deduped request must not recompute")
}

func TestService_EagerSupersessionOfQueuedWork(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	// Occupy the only worker so later requests stay queued.
	blockerKey := chunkkey.FromCoords(90, 0, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := &countingProc{name: "blocker", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		close(started)
		<-release
		return 0, nil
	}}
	rb := Request(context.Background(), s, blockerKey, 1, blocker)
	<-started

	key := chunkkey.FromCoords(3, 0, 0)
	vers.Set(key, 2)
	procV1 := &countingProc{name: "P"}
	procV2 := &countingProc{name: "P"}

	r1 := Request(context.Background(), s, key, 1, procV1)
	r2 := Request(context.Background(), s, key, 2, procV2)

	// v1 resolves Superseded the moment v2 registers, while still queued.
	res1, err := r1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, res1.Status)
	assert.Zero(t, procV1.invocations.Load(), "superseded queued item must never run")

	close(release)
	res2, err := r2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res2.Status)

	_, err = rb.Wait(context.Background())
	require.NoError(t, err)
}

func TestService_SupersededAtRequestTime(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(4, 0, 0)
	vers.Set(key, 5)
	proc := &countingProc{name: "P"}

	r5 := Request(context.Background(), s, key, 5, proc)
	res5, err := r5.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res5.Status)

	// An older version arriving after a newer one resolves synchronously.
	r3 := Request(context.Background(), s, key, 3, proc)
	res3, ok := r3.Outcome()
	require.True(t, ok, "stale request must resolve synchronously")
	assert.Equal(t, StatusSuperseded, res3.Status)
}

func TestService_PostComputeSupersession(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(5, 0, 0)
	computing := make(chan struct{})
	finish := make(chan struct{})
	proc := &countingProc{name: "P", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		close(computing)
		<-finish
		return 7, nil
	}}

	r := Request(context.Background(), s, key, 1, proc)
	<-computing

	// The chunk advances while the processor is mid-computation.
	vers.Set(key, 2)
	close(finish)

	res, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, res.Status,
		"a result computed from stale data must not surface as fresh")
	assert.Equal(t, int64(1), proc.invocations.Load())
}

func TestService_PreCanceledRequest(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := chunkkey.FromCoords(6, 0, 0)
	r := Request(ctx, s, key, 1, &countingProc{name: "P"})

	res, ok := r.Outcome()
	require.True(t, ok, "pre-canceled request must resolve synchronously")
	assert.Equal(t, StatusCanceled, res.Status)

	assert.Zero(t, syncMapLen(&s.inflight), "no in-flight entry for a pre-canceled request")
	assert.Zero(t, syncMapLen(&s.pending), "no pending entry for a pre-canceled request")
	assert.Zero(t, syncMapLen(&s.latest), "no version entry for a pre-canceled request")
}

func TestService_CancelDuringSnapshotWait(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(7, 0, 0)
	unblock := src.Block(key)
	defer close(unblock)

	ctx, cancel := context.WithCancel(context.Background())
	r := Request(ctx, s, key, 1, &countingProc{name: "P"})

	time.Sleep(20 * time.Millisecond)
	cancel()

	res, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)

	assert.Eventually(t, func() bool {
		return syncMapLen(&s.inflight) == 0 && syncMapLen(&s.pending) == 0
	}, time.Second, 5*time.Millisecond, "cancellation must not orphan bookkeeping")
}

func TestService_ChunkUnavailableThenRecovers(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(8, 0, 0)
	src.SetUnavailable(key, true)

	proc := &countingProc{name: "P"}
	res, err := Request(context.Background(), s, key, 1, proc).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, res.Status)

	src.SetUnavailable(key, false)
	res, err = Request(context.Background(), s, key, 1, proc).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status, "unavailability must not poison the key")
}

func TestService_SnapshotFailure(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(9, 0, 0)
	src.FailWith(key, errors.New("region file corrupt"))

	res, err := Request(context.Background(), s, key, 1, &countingProc{name: "P"}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureSnapshot, res.Failure)
	assert.Contains(t, res.Detail, "region file corrupt")
}

func TestService_ProcessorFailure(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(10, 0, 0)
	proc := &countingProc{name: "P", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		return 0, errors.New("mesh overflow")
	}}

	res, err := Request(context.Background(), s, key, 1, proc).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureProcessor, res.Failure)
	assert.Contains(t, res.Detail, "mesh overflow")
}

func TestService_ProcessorPanicDoesNotKillWorker(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(11, 0, 0)
	panicky := &countingProc{name: "P", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		panic("index out of range")
	}}

	res, err := Request(context.Background(), s, key, 1, panicky).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	// The single worker must have survived to run this.
	ok := &countingProc{name: "Q"}
	res, err = Request(context.Background(), s, chunkkey.FromCoords(12, 0, 0), 1, ok).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestService_TypeMismatchIsSurfaced(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1})

	key := chunkkey.FromCoords(13, 0, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	intProc := &countingProc{name: "P", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		close(started)
		<-release
		return 1, nil
	}}
	defer close(release)

	r1 := Request(context.Background(), s, key, 1, intProc)
	<-started

	// Same processor id, different artifact type: caller misuse.
	strProc := ProcessorFunc[string]{Name: "P", Fn: func(ctx context.Context, snap snapshot.Snapshot) (string, error) {
		return "", nil
	}}
	r2 := Request(context.Background(), s, key, 1, strProc)

	res2, ok := r2.Outcome()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res2.Status)
	assert.Equal(t, FailureUnknown, res2.Failure)

	_ = r1
}

func TestService_QueueRejection(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1, QueueSize: 1})

	// Occupy the worker, then fill the one queue slot.
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := &countingProc{name: "B", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		close(started)
		<-release
		return 0, nil
	}}
	defer close(release)

	Request(context.Background(), s, chunkkey.FromCoords(20, 0, 0), 1, blocker)
	<-started
	Request(context.Background(), s, chunkkey.FromCoords(21, 0, 0), 1, &countingProc{name: "P"})

	rejected := Request(context.Background(), s, chunkkey.FromCoords(22, 0, 0), 1, &countingProc{name: "P"})
	res, ok := rejected.Outcome()
	require.True(t, ok, "rejection must resolve synchronously")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureUnknown, res.Failure)

	// The rejected request's bookkeeping must be rolled back.
	_, found := s.inflight.Load(chunkkey.ArtifactKey{Chunk: chunkkey.FromCoords(22, 0, 0), Version: 1, Processor: "P"})
	assert.False(t, found)
}

func TestService_ArtifactCache(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1, CacheBudgetBytes: 1 << 20})

	key := chunkkey.FromCoords(30, 0, 0)
	proc := &sizedProc{name: "meshy"}

	res, err := Request(context.Background(), s, key, 1, proc).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(1), proc.invocations.Load())

	// Second request is served from cache without recomputation.
	r2 := Request(context.Background(), s, key, 1, proc)
	res2, ok := r2.Outcome()
	require.True(t, ok, "cache hit must resolve synchronously")
	assert.Equal(t, StatusSuccess, res2.Status)
	assert.Equal(t, res.Artifact, res2.Artifact)
	assert.Equal(t, int64(1), proc.invocations.Load())
	assert.Equal(t, uint64(1), s.CacheStats().Hits)
}

func TestService_WithoutCacheOption(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 1, CacheBudgetBytes: 1 << 20})

	key := chunkkey.FromCoords(31, 0, 0)
	proc := &sizedProc{name: "meshy"}

	_, err := Request(context.Background(), s, key, 1, proc, WithoutCache()).Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.CacheStats().Entries, "WithoutCache must not populate the cache")
}

func TestService_SnapshotSharedAcrossProcessors(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := newTestService(t, src, vers, Config{Workers: 2})

	key := chunkkey.FromCoords(32, 0, 0)
	gate := make(chan struct{})
	ready := make(chan struct{}, 2)
	hold := func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		ready <- struct{}{}
		<-gate
		return len(snap.Data()), nil
	}
	procA := &countingProc{name: "A", fn: hold}
	procB := &countingProc{name: "B", fn: hold}

	rA := Request(context.Background(), s, key, 1, procA)
	rB := Request(context.Background(), s, key, 1, procB)
	<-ready
	<-ready

	// Both processors hold leases on one shared snapshot.
	assert.Equal(t, int64(1), src.Builds(), "snapshot must be constructed once for both processors")
	assert.Zero(t, src.Closes())

	close(gate)
	resA, err := rA.Wait(context.Background())
	require.NoError(t, err)
	resB, err := rB.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resA.Status)
	assert.Equal(t, StatusSuccess, resB.Status)

	assert.Eventually(t, func() bool { return src.Closes() == 1 },
		time.Second, 5*time.Millisecond, "snapshot disposed after both leases released")
}

func TestService_CloseResolvesOutstanding(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := New(src, vers, Config{
		Workers:         1,
		Logger:          zerolog.Nop(),
		ShutdownTimeout: 500 * time.Millisecond,
	})

	started := make(chan struct{})
	ctxBound := &countingProc{name: "P", fn: func(ctx context.Context, snap snapshot.Snapshot) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}}

	running := Request(context.Background(), s, chunkkey.FromCoords(40, 0, 0), 1, ctxBound)
	<-started
	queued := Request(context.Background(), s, chunkkey.FromCoords(41, 0, 0), 1, &countingProc{name: "P"})

	s.Close()

	resRunning, ok := running.Outcome()
	require.True(t, ok, "outstanding handles must resolve during shutdown")
	assert.Equal(t, StatusCanceled, resRunning.Status)

	resQueued, ok := queued.Outcome()
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, resQueued.Status)
}

func TestService_RequestAfterClose(t *testing.T) {
	src := testutil.NewFakeSource()
	vers := testutil.NewFakeVersions()
	s := New(src, vers, Config{Workers: 1, Logger: zerolog.Nop(), ShutdownTimeout: time.Second})
	s.Close()

	r := Request(context.Background(), s, chunkkey.FromCoords(50, 0, 0), 1, &countingProc{name: "P"})
	res, ok := r.Outcome()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailureUnknown, res.Failure)
}

// sizedProc produces artifacts that report a size, making them
// cacheable.
type sizedProc struct {
	name        string
	invocations atomic.Int64
}

func (p *sizedProc) ID() string { return p.name }

func (p *sizedProc) Process(ctx context.Context, snap snapshot.Snapshot) (sizedArtifact, error) {
	p.invocations.Add(1)
	return sizedArtifact{Solid: len(snap.Data())}, nil
}

type sizedArtifact struct {
	Solid int
}

func (sizedArtifact) SizeBytes() int64 { return 128 }

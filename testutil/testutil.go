// Package testutil provides scriptable fakes for chunkforge tests: a
// snapshot source with controllable behavior per key and an in-memory
// version authority.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

// FakeSource is a snapshot.Source whose behavior can be scripted per
// chunk key. The zero value serves 4x4x4 solid snapshots for every
// request.
type FakeSource struct {
	mu          sync.Mutex
	fail        map[chunkkey.ChunkKey]error
	unavailable map[chunkkey.ChunkKey]bool
	blockers    map[chunkkey.ChunkKey]chan struct{}

	builds atomic.Int64
	closes atomic.Int64
}

// NewFakeSource returns a source serving small solid snapshots.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		fail:        make(map[chunkkey.ChunkKey]error),
		unavailable: make(map[chunkkey.ChunkKey]bool),
		blockers:    make(map[chunkkey.ChunkKey]chan struct{}),
	}
}

// FailWith makes construction for key return err. Pass nil to clear.
func (f *FakeSource) FailWith(key chunkkey.ChunkKey, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, key)
		return
	}
	f.fail[key] = err
}

// SetUnavailable makes construction for key report "no snapshot".
func (f *FakeSource) SetUnavailable(key chunkkey.ChunkKey, unavailable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !unavailable {
		delete(f.unavailable, key)
		return
	}
	f.unavailable[key] = true
}

// Block makes construction for key wait until the returned channel is
// closed (or the build context is canceled).
func (f *FakeSource) Block(key chunkkey.ChunkKey) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.blockers[key] = ch
	return ch
}

// Builds returns how many snapshot constructions completed successfully.
func (f *FakeSource) Builds() int64 { return f.builds.Load() }

// Closes returns how many snapshots have been closed.
func (f *FakeSource) Closes() int64 { return f.closes.Load() }

// TryCreateSnapshot implements snapshot.Source.
func (f *FakeSource) TryCreateSnapshot(ctx context.Context, key chunkkey.ChunkKey, expectedVersion int64) (snapshot.Snapshot, error) {
	f.mu.Lock()
	err := f.fail[key]
	unavailable := f.unavailable[key]
	blocker := f.blockers[key]
	f.mu.Unlock()

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if unavailable {
		return nil, nil
	}

	f.builds.Add(1)
	const dim = 4
	data := make([]uint16, dim*dim*dim)
	for i := range data {
		data[i] = 1
	}
	return snapshot.NewGrid(key, expectedVersion, dim, dim, dim, data, func() {
		f.closes.Add(1)
	}), nil
}

// FakeVersions is an in-memory version authority. Unset chunks report
// version 1.
type FakeVersions struct {
	mu sync.Mutex
	m  map[chunkkey.ChunkKey]int64
}

func NewFakeVersions() *FakeVersions {
	return &FakeVersions{m: make(map[chunkkey.ChunkKey]int64)}
}

// Set records the current version for key.
func (v *FakeVersions) Set(key chunkkey.ChunkKey, version int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = version
}

// CurrentVersion implements chunkproc.VersionAuthority.
func (v *FakeVersions) CurrentVersion(key chunkkey.ChunkKey) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ver, ok := v.m[key]; ok {
		return ver
	}
	return 1
}

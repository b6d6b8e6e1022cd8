package chunkproc

import (
	"context"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
	"github.com/chunkforge/chunkforge/pkg/snapshot"
)

// Processor computes one kind of artifact from a chunk snapshot.
//
// ID must be a stable, low-cardinality string: it keys the dedup and
// supersession tables and labels cache entries, so it must not embed
// per-request parameters. Reusing an ID for two different artifact
// types is caller misuse and surfaces as a Failed/FailureUnknown
// result.
type Processor[A any] interface {
	ID() string
	Process(ctx context.Context, snap snapshot.Snapshot) (A, error)
}

// VersionAuthority reports the current authoritative version of a
// chunk. It must be cheap and callable from any goroutine without
// blocking; the service consults it twice per work item.
type VersionAuthority interface {
	CurrentVersion(key chunkkey.ChunkKey) int64
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc[A any] struct {
	Name string
	Fn   func(ctx context.Context, snap snapshot.Snapshot) (A, error)
}

func (p ProcessorFunc[A]) ID() string { return p.Name }

func (p ProcessorFunc[A]) Process(ctx context.Context, snap snapshot.Snapshot) (A, error) {
	return p.Fn(ctx, snap)
}

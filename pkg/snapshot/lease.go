package snapshot

import (
	"sync/atomic"

	"github.com/chunkforge/chunkforge/pkg/chunkkey"
)

// Lease grants temporary access to a shared snapshot. Releasing the
// final lease on a snapshot closes it and removes its table entry.
// Release is idempotent.
type Lease struct {
	table    *Table
	key      chunkkey.SnapshotKey
	entry    *entry
	released atomic.Bool
}

// Snapshot returns the leased snapshot. It must not be used after
// Release.
func (l *Lease) Snapshot() Snapshot { return l.entry.snap }

// Release drops this lease's reference. Safe to call more than once.
func (l *Lease) Release() {
	if l.released.Swap(true) {
		return
	}
	l.table.release(l.key, l.entry)
}

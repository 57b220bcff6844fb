// Package version implements the local version manager: the chain of
// immutable version snapshots a compute node's readers pin against, the
// flush/write-block backpressure policy that gates writers, and the
// pin/unpin workers that keep a node's view of the version chain current
// with the coordinator.
//
// Grounded on original_source's local_version_manager.rs (the flush
// threshold / write_block policy, the pin/unpin worker pair) and the
// teacher's pkg/reconciler (ticker-driven background loop shape, here
// generalized from a fixed interval to backoff-with-jitter).
package version

import (
	"fmt"
	"sync"

	"github.com/riverstream/river/pkg/sharedbuffer"
)

// SortedRun is a persisted, non-overlapping (within its level) committed
// run — the object-store artifact described in spec §6, referenced here by
// metadata only; actual block I/O lives in pkg/sstable.
type SortedRun struct {
	ID           uint64
	KeyRangeMin  []byte
	KeyRangeMax  []byte
	FileSize     int64
	VNodeBitmaps []uint64 // one uint64 bitmap per 64 vnodes, 4 words for VNODE_COUNT=256
}

// Level is one leveled-compaction tier: a list of sorted runs whose key
// ranges do not overlap.
type Level struct {
	Runs []SortedRun
}

// Version is an immutable snapshot of the committed key space, identified
// by a monotone id.
type Version struct {
	ID             uint64
	CommittedEpoch uint64
	SafeEpoch      uint64
	Levels         []Level
}

// PinnedVersion is a reference-counted handle on a Version. Go has no
// destructors, so "releases on drop" (invariant 3 in spec §3) becomes
// "releases when the caller calls Release" — callers must defer it, same
// as a mutex Unlock.
type PinnedVersion struct {
	mgr     *Manager
	version *Version
	once    sync.Once
}

// Version returns the pinned snapshot.
func (p *PinnedVersion) Version() *Version { return p.version }

// Release drops this handle's hold on the version. Safe to call more than
// once; only the first call has an effect.
func (p *PinnedVersion) Release() {
	p.once.Do(func() {
		p.mgr.unpin(p.version.ID)
	})
}

// validateLevels checks that a candidate version's levels are internally
// consistent (non-overlapping runs within a level) before it replaces the
// current version.
func validateLevels(levels []Level) error {
	for li, lvl := range levels {
		for i := 1; i < len(lvl.Runs); i++ {
			prev, cur := lvl.Runs[i-1], lvl.Runs[i]
			if compareBytes(prev.KeyRangeMax, cur.KeyRangeMin) >= 0 {
				return fmt.Errorf("version: level %d runs %d and %d overlap", li, i-1, i)
			}
		}
	}
	return nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// epochBuffer pairs a shared-buffer.Buffer with the epoch it belongs to, so
// the manager can track per-epoch flush/sync state.
type epochBuffer struct {
	epoch    uint64
	buf      *sharedbuffer.Buffer
	syncing  bool
	flushing int // number of in-flight flush tasks for this epoch
}

// Package iterator implements the bidirectional, MVCC-aware merge over an
// operator mem-table, shared-buffer batches, and committed sorted runs.
//
// Grounded on original_source's backward_user.rs (the "just met a new key"
// asymmetry between forward and backward traversal) and forward_user.rs
// (newest-epoch-wins, tombstone-suppresses selection). Per §4.D and the
// resolved OQ1 (see DESIGN.md): the TTL floor `min_epoch` excludes versions
// at or below it entirely, tombstone or not — a caller never observes a
// delete that belongs to an expired epoch, only the next-newest surviving
// version (or nothing, if there isn't one).
package iterator

import (
	"bytes"
	"sort"

	"github.com/riverstream/river/pkg/sharedbuffer"
)

// BoundKind classifies one side of a range.
type BoundKind uint8

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

// Bound is one side of a range over user keys.
type Bound struct {
	Kind BoundKind
	Key  []byte
}

// Range bounds an iteration by user key on either side.
type Range struct {
	Start Bound
	End   Bound
}

// contains reports whether userKey falls within r.
func (r Range) contains(userKey []byte) bool {
	switch r.Start.Kind {
	case Included:
		if bytes.Compare(userKey, r.Start.Key) < 0 {
			return false
		}
	case Excluded:
		if bytes.Compare(userKey, r.Start.Key) <= 0 {
			return false
		}
	}
	switch r.End.Kind {
	case Included:
		if bytes.Compare(userKey, r.End.Key) > 0 {
			return false
		}
	case Excluded:
		if bytes.Compare(userKey, r.End.Key) >= 0 {
			return false
		}
	}
	return true
}

// PrioritizedSource is one contributor to the merge: a full-key-sorted
// (ascending) batch of entries, tagged with a tie-break priority. Per §4.D,
// "within an epoch, the mem-table overlay dominates the shared buffer,
// which dominates any committed run" — callers pass higher Priority for
// sources that should win on an exact (user_key, epoch) tie.
type PrioritizedSource struct {
	Entries  []sharedbuffer.Entry // must be sorted ascending by FullKey
	Priority int
}

const (
	PriorityCommittedRun = 0
	PrioritySharedBuffer = 1
	PriorityMemTable     = 2
)

// Visible is one surviving (user_key, value) pair after MVCC resolution.
type Visible struct {
	UserKey []byte
	Value   []byte
}

// splitFullKey separates a full key into its user-key prefix and its
// big-endian epoch suffix (the last 8 bytes).
func splitFullKey(fullKey []byte) ([]byte, uint64) {
	n := len(fullKey)
	userKey := fullKey[:n-8]
	epoch := uint64(0)
	for _, b := range fullKey[n-8:] {
		epoch = epoch<<8 | uint64(b)
	}
	return userKey, epoch
}

type taggedEntry struct {
	userKey  []byte
	epoch    uint64
	priority int
	op       sharedbuffer.Op
}

// Resolve merges every source, keeps each user key's newest version with
// epoch in (minEpoch, readEpoch], drops keys whose surviving version is a
// Delete, and returns the survivors in ascending user-key order.
//
// Testable Property 3: for every key k, the result equals the last op
// applied with epoch in (minEpoch, readEpoch]; Delete suppresses output.
func Resolve(sources []PrioritizedSource, readEpoch, minEpoch uint64, rng Range) []Visible {
	var all []taggedEntry
	for _, src := range sources {
		for _, e := range src.Entries {
			userKey, epoch := splitFullKey(e.FullKey)
			if epoch > readEpoch || epoch <= minEpoch {
				continue
			}
			if !rng.contains(userKey) {
				continue
			}
			all = append(all, taggedEntry{userKey: userKey, epoch: epoch, priority: src.Priority, op: e.Op})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if c := bytes.Compare(all[i].userKey, all[j].userKey); c != 0 {
			return c < 0
		}
		if all[i].epoch != all[j].epoch {
			return all[i].epoch < all[j].epoch
		}
		return all[i].priority < all[j].priority
	})

	var out []Visible
	i := 0
	for i < len(all) {
		j := i
		for j < len(all) && bytes.Equal(all[j].userKey, all[i].userKey) {
			j++
		}
		// Within [i, j) the slice is ascending by (epoch, priority), so the
		// last element is the newest epoch, and on an epoch tie the
		// highest-priority source.
		winner := all[j-1]
		switch winner.op.Kind {
		case sharedbuffer.OpDelete:
			// suppressed
		case sharedbuffer.OpInsert:
			out = append(out, Visible{UserKey: winner.userKey, Value: winner.op.Value})
		case sharedbuffer.OpUpdate:
			out = append(out, Visible{UserKey: winner.userKey, Value: winner.op.Value})
		}
		i = j
	}
	return out
}

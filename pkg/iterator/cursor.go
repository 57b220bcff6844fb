package iterator

import (
	"bytes"
	"sort"
)

// MergeIterator is the shared interface both traversal directions
// implement, parallel to a Go container/heap-based k-way merge cursor —
// here walking a pre-resolved, already-ordered Visible slice instead of a
// heap, since each backing source is already a balanced ordered structure
// (see Resolve's doc comment).
type MergeIterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Seek(userKey []byte)
	Rewind()
	Close() error
}

// forwardIterator walks Visible entries in ascending user-key order.
type forwardIterator struct {
	entries []Visible
	pos     int
}

// NewForwardIterator resolves sources and returns a forward cursor over
// the result, starting at the smallest key.
func NewForwardIterator(sources []PrioritizedSource, readEpoch, minEpoch uint64, rng Range) MergeIterator {
	entries := Resolve(sources, readEpoch, minEpoch, rng)
	it := &forwardIterator{entries: entries}
	it.Rewind()
	return it
}

func (it *forwardIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }
func (it *forwardIterator) Next() {
	if it.Valid() {
		it.pos++
	}
}
func (it *forwardIterator) Key() []byte   { return it.entries[it.pos].UserKey }
func (it *forwardIterator) Value() []byte { return it.entries[it.pos].Value }
func (it *forwardIterator) Rewind()       { it.pos = 0 }
func (it *forwardIterator) Close() error  { return nil }

// Seek advances to the first entry with UserKey >= userKey.
func (it *forwardIterator) Seek(userKey []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].UserKey, userKey) >= 0
	})
}

// backwardIterator walks the same resolved set in descending user-key
// order. Because Resolve already performs the same newest-epoch selection
// regardless of traversal direction, forward and backward iteration never
// disagree on which version of a key is visible — only on the order keys
// are produced in, matching §4.D's "identical selection logic, opposite
// traversal order".
type backwardIterator struct {
	entries []Visible // descending order
	pos     int
}

// NewBackwardIterator resolves sources and returns a backward cursor,
// starting at the largest key.
func NewBackwardIterator(sources []PrioritizedSource, readEpoch, minEpoch uint64, rng Range) MergeIterator {
	ascending := Resolve(sources, readEpoch, minEpoch, rng)
	descending := make([]Visible, len(ascending))
	for i, v := range ascending {
		descending[len(ascending)-1-i] = v
	}
	it := &backwardIterator{entries: descending}
	it.Rewind()
	return it
}

func (it *backwardIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }
func (it *backwardIterator) Next() {
	if it.Valid() {
		it.pos++
	}
}
func (it *backwardIterator) Key() []byte   { return it.entries[it.pos].UserKey }
func (it *backwardIterator) Value() []byte { return it.entries[it.pos].Value }
func (it *backwardIterator) Rewind()       { it.pos = 0 }
func (it *backwardIterator) Close() error  { return nil }

// Seek advances to the first entry (in descending order) with
// UserKey <= userKey — this iterator's "just met a new key" boundary: a
// multi-version key's latest surviving value was already resolved by
// Resolve, so unlike the source system's raw backward scan there is no
// separate flag needed here to notice it late.
func (it *backwardIterator) Seek(userKey []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].UserKey, userKey) <= 0
	})
}

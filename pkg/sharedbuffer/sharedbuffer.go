// Package sharedbuffer implements the per-epoch write buffer: batches of
// not-yet-persisted row operations, the upload-task lifecycle that turns
// them into committed sorted runs, and the merged view readers see while an
// epoch is still open.
//
// Grounded on original_source's local_version_manager.rs upload-task flow
// and shared_buffer module: a SharedBufferBatch is an immutable, sorted
// snapshot of operations; uploading never mutates it in place, it only
// changes which pool (unuploaded / uploading / uploaded) the batch lives in.
package sharedbuffer

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// OpKind tags a staged row operation.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpDelete
	OpUpdate
)

// Op is one staged mutation against a full key (user_key || epoch).
type Op struct {
	Kind     OpKind
	Value    []byte // Insert: new value. Delete: the deleted value (for debug sanity checks).
	OldValue []byte // Update only.
}

// Entry pairs a full key with its staged operation. Entries are ordered by
// FullKey, which places same-user-key versions together and orders them by
// ascending epoch (the big-endian epoch suffix sorts numerically).
type Entry struct {
	FullKey []byte
	Op      Op
}

func entryLess(a, b Entry) bool {
	return bytes.Compare(a.FullKey, b.FullKey) < 0
}

// SharedBufferBatch is one write_batch's worth of staged operations for a
// compaction group, kept sorted so iter_merged can walk it directly.
type SharedBufferBatch struct {
	CompactionGroup uint64
	Epoch           uint64
	items           *btree.BTreeG[Entry]
	size            int
}

// NewBatch builds a batch from already-paired (full_key, op) entries,
// computing its byte size for flush-threshold accounting.
func NewBatch(cg uint64, epoch uint64, entries []Entry) *SharedBufferBatch {
	tr := btree.NewG(32, entryLess)
	size := 0
	for _, e := range entries {
		tr.ReplaceOrInsert(e)
		size += len(e.FullKey) + len(e.Op.Value) + len(e.Op.OldValue)
	}
	return &SharedBufferBatch{CompactionGroup: cg, Epoch: epoch, items: tr, size: size}
}

// Size is the batch's accounted byte footprint (used by the buffer
// tracker's flush_threshold / write_block decisions).
func (b *SharedBufferBatch) Size() int { return b.size }

// Iter walks the batch's entries in full-key order within [start, end).
// A nil bound is unbounded on that side.
func (b *SharedBufferBatch) Iter(start, end []byte, fn func(Entry) bool) {
	pivot := Entry{FullKey: start}
	visit := func(e Entry) bool {
		if end != nil && bytes.Compare(e.FullKey, end) >= 0 {
			return false
		}
		return fn(e)
	}
	if start == nil {
		b.items.Ascend(visit)
		return
	}
	b.items.AscendGreaterOrEqual(pivot, visit)
}

// TaskKind distinguishes a concurrent flush (writes may continue arriving
// for the epoch) from the final synchronous upload that precedes commit.
type TaskKind uint8

const (
	FlushWriteBatch TaskKind = iota
	SyncEpoch
)

// SSTInfo names one committed sorted run produced by an upload.
type SSTInfo struct {
	ID       uint64
	MinKey   []byte
	MaxKey   []byte
	ByteSize int
}

type uploadTask struct {
	id      uuid.UUID
	kind    TaskKind
	batches []*SharedBufferBatch
	size    int
}

// Buffer holds one epoch's unuploaded batches, in-flight upload tasks, and
// the committed runs produced once uploads succeed.
type Buffer struct {
	mu sync.Mutex

	epoch      uint64
	unuploaded []*SharedBufferBatch
	uploading  map[uuid.UUID]*uploadTask
	committed  []SSTInfo
}

// NewBuffer creates an empty per-epoch buffer.
func NewBuffer(epoch uint64) *Buffer {
	return &Buffer{epoch: epoch, uploading: make(map[uuid.UUID]*uploadTask)}
}

// WriteBatch appends a batch to the unuploaded pool. Append-only within an
// epoch: batches are only ever removed by a successful upload + commit or
// by Clear.
func (b *Buffer) WriteBatch(batch *SharedBufferBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unuploaded = append(b.unuploaded, batch)
}

// NewUploadTask snapshots the current unuploaded batches and moves them to
// the uploading pool, returning a task id, the batches to upload, and their
// total size. Returns ok=false if there is nothing to upload.
func (b *Buffer) NewUploadTask(kind TaskKind) (taskID uuid.UUID, batches []*SharedBufferBatch, size int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.unuploaded) == 0 {
		return uuid.UUID{}, nil, 0, false
	}
	snapshot := b.unuploaded
	b.unuploaded = nil
	total := 0
	for _, bat := range snapshot {
		total += bat.Size()
	}
	id := uuid.New()
	b.uploading[id] = &uploadTask{id: id, kind: kind, batches: snapshot, size: total}
	return id, snapshot, total, true
}

// SucceedUpload records the committed runs an upload task produced and
// drops the task's batches (they now live in the runs, not the buffer).
// Replaying it with a task id that is no longer in flight (already
// succeeded, or never existed) is a no-op, per Testable Property 4.
func (b *Buffer) SucceedUpload(taskID uuid.UUID, ssts []SSTInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.uploading[taskID]; !ok {
		return nil
	}
	delete(b.uploading, taskID)
	b.committed = append(b.committed, ssts...)
	return nil
}

// Committed returns the runs this buffer's epoch has successfully
// uploaded so far, in upload order.
func (b *Buffer) Committed() []SSTInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SSTInfo(nil), b.committed...)
}

// FailUpload returns a failed task's batches to the unuploaded pool so a
// later upload attempt retries them. Idempotent: calling it twice for the
// same (already-removed) task id is a no-op, matching §4.B's "rolled back"
// failure semantics without double-queuing batches.
func (b *Buffer) FailUpload(taskID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.uploading[taskID]
	if !ok {
		return
	}
	delete(b.uploading, taskID)
	b.unuploaded = append(b.unuploaded, task.batches...)
}

// InFlightUploadSize sums the byte size of all uploads currently in
// progress, feeding the version manager's flush_threshold decision.
func (b *Buffer) InFlightUploadSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, t := range b.uploading {
		total += t.size
	}
	return total
}

// UnuploadedSize sums the byte size of batches not yet handed to an upload
// task.
func (b *Buffer) UnuploadedSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, bat := range b.unuploaded {
		total += bat.Size()
	}
	return total
}

// Clear drains all unuploaded batches and uploading tasks, used on fault
// recovery. Callers must have already asserted there are no parked writes
// and no in-flight flushes left to finish.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unuploaded = nil
	b.uploading = make(map[uuid.UUID]*uploadTask)
}

// IterMerged walks the merged view of unuploaded batches plus
// uploading-in-flight batches (runs already committed are read through the
// version's sorted-run iterators instead, since by then they are visible to
// every reader, not only this buffer) over full keys in [start, end), newest
// write order preserved via full-key (epoch-suffixed) comparison.
func (b *Buffer) IterMerged(start, end []byte, fn func(Entry) bool) {
	b.mu.Lock()
	batches := make([]*SharedBufferBatch, 0, len(b.unuploaded)+len(b.uploading))
	batches = append(batches, b.unuploaded...)
	for _, t := range b.uploading {
		batches = append(batches, t.batches...)
	}
	b.mu.Unlock()

	var all []Entry
	for _, bat := range batches {
		bat.Iter(start, end, func(e Entry) bool {
			all = append(all, e)
			return true
		})
	}
	sortEntries(all)
	for _, e := range all {
		if !fn(e) {
			return
		}
	}
}

func sortEntries(es []Entry) {
	// Small-N insertion sort is adequate: a single epoch's merged view
	// rarely holds more than a few batches' worth of entries in memory at
	// once, and entries are already sorted within each source batch.
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && entryLess(es[j], es[j-1]); j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

package version

import "sync"

// BufferTracker is the resource-management heart of §4.C: a global byte
// counter deciding when writes admit, park, or trigger a flush. Mirrors
// original_source's BufferTracker five-method surface exactly, since the
// flush_threshold / write_block checks interact through these calls and
// nothing else.
type BufferTracker struct {
	mu sync.Mutex

	flushThreshold uint64
	writeBlock     uint64

	bufferSize     uint64 // bytes held in unuploaded + uploading batches
	uploadTaskSize uint64 // bytes currently being uploaded
}

// NewBufferTracker builds a tracker with the given thresholds (spec §4.C:
// "a global byte counter tracks unflushed buffer size").
func NewBufferTracker(flushThreshold, writeBlock uint64) *BufferTracker {
	return &BufferTracker{flushThreshold: flushThreshold, writeBlock: writeBlock}
}

// GetBufferSize returns the total unflushed buffer size (unuploaded +
// uploading).
func (t *BufferTracker) GetBufferSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufferSize
}

// GetUploadTaskSize returns the byte size currently in flight to the
// object store.
func (t *BufferTracker) GetUploadTaskSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadTaskSize
}

// CanWrite reports whether a write of the given size can be admitted
// immediately (buffer size would stay at or below write_block).
func (t *BufferTracker) CanWrite(size uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufferSize+size <= t.writeBlock
}

// TryWrite admits size bytes into the buffer if CanWrite holds, returning
// whether it was admitted. Callers that get false must park the write and
// retry after a BufferRelease event.
func (t *BufferTracker) TryWrite(size uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bufferSize+size > t.writeBlock {
		return false
	}
	t.bufferSize += size
	return true
}

// NeedMoreFlush reports whether unflushed bytes still exceed
// flush_threshold once in-flight uploads are accounted for — the signal
// the buffer-tracker worker polls to decide whether to spawn another flush.
func (t *BufferTracker) NeedMoreFlush() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufferSize > t.flushThreshold+t.uploadTaskSize
}

// markUploading moves size bytes from "buffered" bookkeeping to
// "uploading" bookkeeping; called when a flush/sync task starts.
func (t *BufferTracker) markUploading(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploadTaskSize += size
}

// release accounts for size bytes leaving the buffer entirely once an
// upload succeeds: both bufferSize and uploadTaskSize drop by size. A
// failed upload goes through uploadFailed instead.
func (t *BufferTracker) release(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bufferSize >= size {
		t.bufferSize -= size
	} else {
		t.bufferSize = 0
	}
	if t.uploadTaskSize >= size {
		t.uploadTaskSize -= size
	} else {
		t.uploadTaskSize = 0
	}
}

// uploadFailed reverses markUploading without releasing bufferSize: the
// batches are back in the unuploaded pool, still counted against
// flush_threshold.
func (t *BufferTracker) uploadFailed(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.uploadTaskSize >= size {
		t.uploadTaskSize -= size
	} else {
		t.uploadTaskSize = 0
	}
}

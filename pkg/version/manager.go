package version

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riverstream/river/pkg/errs"
	"github.com/riverstream/river/pkg/log"
	"github.com/riverstream/river/pkg/sharedbuffer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// CoordinatorClient is the logical RPC surface of §6's "worker ↔
// coordinator" interface that this package depends on. Transport is a
// non-goal; production wiring is an in-process implementation talking
// directly to pkg/meta, and a network client would satisfy the same
// interface without pkg/version changing at all.
type CoordinatorClient interface {
	PinVersion(ctx context.Context, lastPinned uint64) (*Version, error)
	UnpinVersion(ctx context.Context, versionIDs []uint64) error
	AddTables(ctx context.Context, contextID uint64, ssts []sharedbuffer.SSTInfo, epoch uint64) (*Version, error)
	CommitEpoch(ctx context.Context, epoch uint64) error
}

// SSTWriter persists one SharedBufferBatch as a durable sorted run.
// pkg/sstable.Store satisfies this; tests use a stub that never touches
// disk.
type SSTWriter interface {
	Write(ctx context.Context, batch *sharedbuffer.SharedBufferBatch) (sharedbuffer.SSTInfo, error)
}

// Config bounds the manager's flush/write-block thresholds and worker
// retry behavior.
type Config struct {
	FlushThresholdBytes uint64
	WriteBlockBytes     uint64
	MaxConcurrentFlush  int64
	RetryConfig         errs.RetryConfig
}

// DefaultConfig mirrors pkg/config.DefaultComputeConfig's numbers.
func DefaultConfig() Config {
	return Config{
		FlushThresholdBytes: 64 << 20,
		WriteBlockBytes:     256 << 20,
		MaxConcurrentFlush:  4,
		RetryConfig:         errs.DefaultRetryConfig(),
	}
}

// parkedWrite is a write that exceeded write_block and is waiting for a
// BufferRelease event.
type parkedWrite struct {
	epoch  uint64
	cg     uint64
	size   uint64
	result chan error
	batch  *sharedbuffer.SharedBufferBatch
}

// Manager is the local version manager: one per compute node. It owns the
// per-epoch shared buffers, the current pinned version chain, and the
// background workers that keep both in sync with the coordinator.
type Manager struct {
	cfg        Config
	coord      CoordinatorClient
	sstWriter  SSTWriter
	logger     zerolog.Logger
	tracker    *BufferTracker
	sem        *semaphore.Weighted

	mu       sync.RWMutex
	buffers  map[uint64]*epochBuffer // keyed by epoch
	current  *Version
	pinCount map[uint64]int // refcount per version id, strong references only

	parkMu sync.Mutex
	parked []*parkedWrite

	release chan struct{} // fires on any buffer shrink, wakes parked writes

	unpinMu      sync.Mutex
	pendingUnpin []uint64
}

// NewManager constructs a Manager against coord, with an initial empty
// version (safe for a freshly bootstrapped node before its first pin).
func NewManager(cfg Config, coord CoordinatorClient) *Manager {
	if cfg.MaxConcurrentFlush <= 0 {
		cfg.MaxConcurrentFlush = 4
	}
	return &Manager{
		cfg:      cfg,
		coord:    coord,
		logger:   log.WithComponent("version-manager"),
		tracker:  NewBufferTracker(cfg.FlushThresholdBytes, cfg.WriteBlockBytes),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentFlush),
		buffers:  make(map[uint64]*epochBuffer),
		current:  &Version{},
		pinCount: make(map[uint64]int),
		release:  make(chan struct{}, 1),
	}
}

// SetSSTWriter installs the durable run writer uploads persist through.
// Without one, upload falls back to an in-memory stub (no disk I/O) so
// tests that only exercise the buffer/flush state machine don't need a
// real pkg/sstable.Store.
func (m *Manager) SetSSTWriter(w SSTWriter) { m.sstWriter = w }

func (m *Manager) bufferFor(epoch uint64) *epochBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	eb, ok := m.buffers[epoch]
	if !ok {
		eb = &epochBuffer{epoch: epoch, buf: sharedbuffer.NewBuffer(epoch)}
		m.buffers[epoch] = eb
	}
	return eb
}

// Write stages kvPairs as one batch for (epoch, compaction group cg),
// admitting it immediately if the global buffer has headroom, or parking
// it until a BufferRelease event if unflushed bytes exceed write_block.
func (m *Manager) Write(ctx context.Context, epoch, cg uint64, entries []sharedbuffer.Entry) (int, error) {
	batch := sharedbuffer.NewBatch(cg, epoch, entries)
	size := uint64(batch.Size())

	if m.tracker.TryWrite(size) {
		m.bufferFor(epoch).buf.WriteBatch(batch)
		return batch.Size(), nil
	}

	pw := &parkedWrite{epoch: epoch, cg: cg, size: size, batch: batch, result: make(chan error, 1)}
	m.parkMu.Lock()
	m.parked = append(m.parked, pw)
	m.parkMu.Unlock()

	select {
	case err := <-pw.result:
		if err != nil {
			return 0, err
		}
		return batch.Size(), nil
	case <-ctx.Done():
		return 0, errs.New(errs.Timeout, "version.Write", ctx.Err())
	}
}

// admitParked is called whenever buffer space frees up; it walks the
// parked-write queue in FIFO order, admitting as many as now fit.
func (m *Manager) admitParked() {
	m.parkMu.Lock()
	defer m.parkMu.Unlock()
	remaining := m.parked[:0]
	for _, pw := range m.parked {
		if m.tracker.TryWrite(pw.size) {
			m.bufferFor(pw.epoch).buf.WriteBatch(pw.batch)
			pw.result <- nil
		} else {
			remaining = append(remaining, pw)
		}
	}
	m.parked = remaining
}

// SyncEpoch blocks until all in-flight flushes for epoch finish, then
// issues a final SyncEpoch upload and waits for it. On success it calls
// CommitEpoch on the coordinator.
func (m *Manager) SyncEpoch(ctx context.Context, epoch uint64) error {
	eb := m.bufferFor(epoch)

	m.mu.Lock()
	eb.syncing = true
	m.mu.Unlock()

	for {
		m.mu.RLock()
		inFlight := eb.flushing
		m.mu.RUnlock()
		if inFlight == 0 {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return errs.New(errs.Timeout, "version.SyncEpoch", ctx.Err())
		}
	}

	taskID, batches, size, ok := eb.buf.NewUploadTask(sharedbuffer.SyncEpoch)
	if ok {
		m.tracker.markUploading(uint64(size))
		ssts, err := m.upload(ctx, batches)
		if err != nil {
			eb.buf.FailUpload(taskID)
			m.tracker.uploadFailed(uint64(size))
			return err
		}
		if err := eb.buf.SucceedUpload(taskID, ssts); err != nil {
			return err
		}
		m.tracker.release(uint64(size))
		m.signalRelease()

		newVersion, err := m.coord.AddTables(ctx, 0, ssts, epoch)
		if err != nil {
			return err
		}
		if err := m.TryUpdatePinnedVersion(newVersion); err != nil {
			m.logger.Warn().Err(err).Msg("sync_epoch: coordinator version rejected locally")
		}
	}

	if err := m.coord.CommitEpoch(ctx, epoch); err != nil {
		return err
	}
	m.logger.Info().Uint64("epoch", epoch).Msg("EpochSynced")
	return nil
}

// upload ships batches to the durable run writer (pkg/sstable.Store in
// production). Without one installed, it falls back to an in-memory stub
// that fabricates SSTInfo without persisting anything — enough for the
// buffer/flush state machine's own tests.
func (m *Manager) upload(ctx context.Context, batches []*sharedbuffer.SharedBufferBatch) ([]sharedbuffer.SSTInfo, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.New(errs.Timeout, "version.upload", err)
	}
	defer m.sem.Release(1)

	if m.sstWriter == nil {
		var ssts []sharedbuffer.SSTInfo
		for i, b := range batches {
			ssts = append(ssts, sharedbuffer.SSTInfo{ID: uint64(i), ByteSize: b.Size()})
		}
		return ssts, nil
	}

	var ssts []sharedbuffer.SSTInfo
	for _, b := range batches {
		info, err := m.sstWriter.Write(ctx, b)
		if err != nil {
			return nil, errs.New(errs.Store, "version.upload", err)
		}
		ssts = append(ssts, info)
	}
	return ssts, nil
}

func (m *Manager) signalRelease() {
	select {
	case m.release <- struct{}{}:
	default:
	}
	m.admitParked()
}

// GetUncommittedSSTs returns every run epoch's buffer has uploaded so far
// (via the SSTWriter), in upload order. Runs stay listed after SyncEpoch
// has passed them to the coordinator through AddTables.
func (m *Manager) GetUncommittedSSTs(epoch uint64) []sharedbuffer.SSTInfo {
	m.mu.RLock()
	eb, ok := m.buffers[epoch]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return eb.buf.Committed()
}

// PinVersion returns a handle to the latest applied version; the handle
// must be Released by the caller (Go has no drop, so this replaces §3
// invariant 3's "releases on drop").
func (m *Manager) PinVersion() *PinnedVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinCount[m.current.ID]++
	return &PinnedVersion{mgr: m, version: m.current}
}

func (m *Manager) unpin(versionID uint64) {
	m.mu.Lock()
	m.pinCount[versionID]--
	shouldReclaim := m.pinCount[versionID] <= 0 && versionID != m.current.ID
	m.mu.Unlock()
	if shouldReclaim {
		m.unpinMu.Lock()
		m.pendingUnpin = append(m.pendingUnpin, versionID)
		m.unpinMu.Unlock()
	}
}

// TryUpdatePinnedVersion accepts a newer version from the coordinator iff
// v.ID is strictly greater than the current version's, after validating
// its level ranges.
func (m *Manager) TryUpdatePinnedVersion(v *Version) error {
	if v == nil {
		return errs.New(errs.InvalidArgument, "version.TryUpdatePinnedVersion", fmt.Errorf("nil version"))
	}
	if err := validateLevels(v.Levels); err != nil {
		return errs.New(errs.InvalidArgument, "version.TryUpdatePinnedVersion", err)
	}
	m.mu.Lock()
	if v.ID <= m.current.ID {
		m.mu.Unlock()
		return nil
	}
	old := m.current
	m.current = v
	m.pinCount[v.ID]++
	// old was given a baseline reference by whichever PinVersion/promotion
	// made it current; now that it's superseded, release that reference the
	// same way unpin releases a reader's, so a version with no outstanding
	// readers can still reach zero and be reclaimed.
	m.pinCount[old.ID]--
	shouldReclaim := m.pinCount[old.ID] <= 0 && old.ID != m.current.ID
	m.mu.Unlock()
	if shouldReclaim {
		m.unpinMu.Lock()
		m.pendingUnpin = append(m.pendingUnpin, old.ID)
		m.unpinMu.Unlock()
	}
	return nil
}

// CurrentVersionID reports the version id readers would get from a fresh
// PinVersion call, for diagnostics and tests.
func (m *Manager) CurrentVersionID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.ID
}

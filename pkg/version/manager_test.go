package version

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstream/river/pkg/sharedbuffer"
	"github.com/riverstream/river/pkg/sstable"
)

type fakeCoordinator struct {
	mu       sync.Mutex
	versions []uint64
	unpinned []uint64
	committed []uint64
}

func (f *fakeCoordinator) PinVersion(ctx context.Context, lastPinned uint64) (*Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Version{ID: lastPinned + 1}, nil
}

func (f *fakeCoordinator) UnpinVersion(ctx context.Context, versionIDs []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpinned = append(f.unpinned, versionIDs...)
	return nil
}

func (f *fakeCoordinator) AddTables(ctx context.Context, contextID uint64, ssts []sharedbuffer.SSTInfo, epoch uint64) (*Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Version{ID: epoch + 1000, CommittedEpoch: epoch}, nil
}

func (f *fakeCoordinator) CommitEpoch(ctx context.Context, epoch uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, epoch)
	return nil
}

func TestWriteAdmitsUnderWriteBlock(t *testing.T) {
	mgr := NewManager(Config{FlushThresholdBytes: 1 << 20, WriteBlockBytes: 1 << 20}, &fakeCoordinator{})
	size, err := mgr.Write(context.Background(), 1, 1, []sharedbuffer.Entry{
		{FullKey: []byte("a1"), Op: sharedbuffer.Op{Kind: sharedbuffer.OpInsert, Value: []byte("v")}},
	})
	require.NoError(t, err)
	require.Greater(t, size, 0)
}

func TestSyncEpochCommitsAndAdvancesVersion(t *testing.T) {
	coord := &fakeCoordinator{}
	mgr := NewManager(Config{FlushThresholdBytes: 1 << 20, WriteBlockBytes: 1 << 20}, coord)

	_, err := mgr.Write(context.Background(), 5, 1, []sharedbuffer.Entry{
		{FullKey: []byte("a5"), Op: sharedbuffer.Op{Kind: sharedbuffer.OpInsert, Value: []byte("v")}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.SyncEpoch(ctx, 5))

	coord.mu.Lock()
	defer coord.mu.Unlock()
	require.Contains(t, coord.committed, uint64(5))
}

func TestSyncEpochPersistsRunsThroughSSTWriter(t *testing.T) {
	store, err := sstable.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	coord := &fakeCoordinator{}
	mgr := NewManager(Config{FlushThresholdBytes: 1 << 20, WriteBlockBytes: 1 << 20}, coord)
	mgr.SetSSTWriter(store)

	_, err = mgr.Write(context.Background(), 9, 1, []sharedbuffer.Entry{
		{FullKey: []byte("a9"), Op: sharedbuffer.Op{Kind: sharedbuffer.OpInsert, Value: []byte("v")}},
	})
	require.NoError(t, err)

	uncommitted := mgr.GetUncommittedSSTs(9)
	require.Empty(t, uncommitted, "nothing uploaded until SyncEpoch runs")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.SyncEpoch(ctx, 9))

	runs := mgr.GetUncommittedSSTs(9)
	require.Len(t, runs, 1)

	var keys []string
	require.NoError(t, store.ScanRun(ctx, runs[0].ID, nil, nil, func(e sharedbuffer.Entry) error {
		keys = append(keys, string(e.FullKey))
		return nil
	}))
	require.Equal(t, []string{"a9"}, keys)
}

func TestPinVersionReleaseIsIdempotent(t *testing.T) {
	mgr := NewManager(DefaultConfig(), &fakeCoordinator{})
	pinned := mgr.PinVersion()
	pinned.Release()
	pinned.Release() // must not panic or double-decrement

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	require.Equal(t, 0, mgr.pinCount[0])
}

func TestTryUpdatePinnedVersionRejectsOlder(t *testing.T) {
	mgr := NewManager(DefaultConfig(), &fakeCoordinator{})
	require.NoError(t, mgr.TryUpdatePinnedVersion(&Version{ID: 5}))
	require.Equal(t, uint64(5), mgr.CurrentVersionID())

	require.NoError(t, mgr.TryUpdatePinnedVersion(&Version{ID: 3}))
	require.Equal(t, uint64(5), mgr.CurrentVersionID(), "stale version must not replace a newer one")
}

// TestTryUpdatePinnedVersionReclaimsSupersededVersion covers literal
// Scenario S-3's reclaim half: a version with no outstanding readers must
// be queued for unpin as soon as a newer version supersedes it, not left
// pinned forever by its own promotion.
func TestTryUpdatePinnedVersionReclaimsSupersededVersion(t *testing.T) {
	mgr := NewManager(DefaultConfig(), &fakeCoordinator{})

	require.NoError(t, mgr.TryUpdatePinnedVersion(&Version{ID: 1}))
	require.NoError(t, mgr.TryUpdatePinnedVersion(&Version{ID: 2}))

	mgr.mu.RLock()
	count := mgr.pinCount[1]
	mgr.mu.RUnlock()
	require.LessOrEqual(t, count, 0, "superseded version must be able to reach zero references")

	mgr.unpinMu.Lock()
	pending := append([]uint64(nil), mgr.pendingUnpin...)
	mgr.unpinMu.Unlock()
	require.Contains(t, pending, uint64(1))
}

// TestTryUpdatePinnedVersionKeepsReaderPinnedUntilRelease is the other half
// of S-3: a superseded version with a live reader must NOT be reclaimed
// until that reader releases it.
func TestTryUpdatePinnedVersionKeepsReaderPinnedUntilRelease(t *testing.T) {
	mgr := NewManager(DefaultConfig(), &fakeCoordinator{})

	require.NoError(t, mgr.TryUpdatePinnedVersion(&Version{ID: 1}))
	pinned := mgr.PinVersion()
	require.Equal(t, uint64(1), pinned.Version().ID)

	require.NoError(t, mgr.TryUpdatePinnedVersion(&Version{ID: 2}))

	mgr.unpinMu.Lock()
	pendingWhilePinned := append([]uint64(nil), mgr.pendingUnpin...)
	mgr.unpinMu.Unlock()
	require.NotContains(t, pendingWhilePinned, uint64(1), "version 1 still has an outstanding reader")

	pinned.Release()

	mgr.unpinMu.Lock()
	pendingAfterRelease := append([]uint64(nil), mgr.pendingUnpin...)
	mgr.unpinMu.Unlock()
	require.Contains(t, pendingAfterRelease, uint64(1), "last release must trigger reclaim")
}

func TestTryUpdatePinnedVersionRejectsOverlappingLevels(t *testing.T) {
	mgr := NewManager(DefaultConfig(), &fakeCoordinator{})
	bad := &Version{ID: 1, Levels: []Level{{Runs: []SortedRun{
		{KeyRangeMin: []byte("a"), KeyRangeMax: []byte("m")},
		{KeyRangeMin: []byte("b"), KeyRangeMax: []byte("z")},
	}}}}
	err := mgr.TryUpdatePinnedVersion(bad)
	require.Error(t, err)
}

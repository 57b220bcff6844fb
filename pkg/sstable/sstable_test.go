package sstable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstream/river/pkg/sharedbuffer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(key string, value string) sharedbuffer.Entry {
	return sharedbuffer.Entry{FullKey: []byte(key), Op: sharedbuffer.Op{Kind: sharedbuffer.OpInsert, Value: []byte(value)}}
}

func TestWritePersistsRunAndManifest(t *testing.T) {
	s := openTestStore(t)
	batch := sharedbuffer.NewBatch(1, 10, []sharedbuffer.Entry{
		entry("a", "1"), entry("b", "2"), entry("c", "3"),
	})

	info, err := s.Write(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), info.MinKey)
	require.Equal(t, []byte("c"), info.MaxKey)
	require.Equal(t, batch.Size(), info.ByteSize)

	manifest, found, err := s.Manifest(info.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, info, manifest)
}

func TestScanRunReturnsEntriesInKeyOrder(t *testing.T) {
	s := openTestStore(t)
	batch := sharedbuffer.NewBatch(1, 10, []sharedbuffer.Entry{
		entry("c", "3"), entry("a", "1"), entry("b", "2"),
	})
	info, err := s.Write(context.Background(), batch)
	require.NoError(t, err)

	var keys []string
	err = s.ScanRun(context.Background(), info.ID, nil, nil, func(e sharedbuffer.Entry) error {
		keys = append(keys, string(e.FullKey))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestScanRunRespectsRange(t *testing.T) {
	s := openTestStore(t)
	batch := sharedbuffer.NewBatch(1, 10, []sharedbuffer.Entry{
		entry("a", "1"), entry("b", "2"), entry("c", "3"), entry("d", "4"),
	})
	info, err := s.Write(context.Background(), batch)
	require.NoError(t, err)

	var keys []string
	err = s.ScanRun(context.Background(), info.ID, []byte("b"), []byte("d"), func(e sharedbuffer.Entry) error {
		keys = append(keys, string(e.FullKey))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestScanRunUnknownRunErrors(t *testing.T) {
	s := openTestStore(t)
	err := s.ScanRun(context.Background(), 999, nil, nil, func(sharedbuffer.Entry) error { return nil })
	require.Error(t, err)
}

func TestMultipleWritesGetDistinctIDs(t *testing.T) {
	s := openTestStore(t)
	info1, err := s.Write(context.Background(), sharedbuffer.NewBatch(1, 1, []sharedbuffer.Entry{entry("a", "1")}))
	require.NoError(t, err)
	info2, err := s.Write(context.Background(), sharedbuffer.NewBatch(1, 2, []sharedbuffer.Entry{entry("b", "2")}))
	require.NoError(t, err)
	require.NotEqual(t, info1.ID, info2.ID)
}

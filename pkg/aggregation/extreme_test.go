package aggregation

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstream/river/pkg/codec"
	"github.com/riverstream/river/pkg/iterator"
)

var int64Type = codec.DataType{Kind: codec.KindInt64}

func cacheKey(v int) CacheKey { return CacheKey(fmt.Sprintf("%08d", v)) }

func encodeValue(v int) []byte {
	buf, err := codec.SerializeRow(codec.Row{codec.NewInt64(int64(v))}, []codec.DataType{int64Type}, []int{0})
	if err != nil {
		panic(err)
	}
	return buf
}

// fakeTable is a ground-truth backing store: a plain sorted set of
// (cache_key -> value), kept in sync by the test exactly like a real
// caller keeps a state table in sync via statetable.Insert/Delete
// alongside aggregation.State.ApplyChunk.
type fakeTable struct {
	rows map[CacheKey]int
}

func newFakeTable() *fakeTable { return &fakeTable{rows: map[CacheKey]int{}} }

func (f *fakeTable) insert(v int) { f.rows[cacheKey(v)] = v }
func (f *fakeTable) delete(v int) { delete(f.rows, cacheKey(v)) }

func (f *fakeTable) IterGroup(ctx context.Context, groupKey []byte) (iterator.MergeIterator, error) {
	keys := make([]CacheKey, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	entries := make([]fakeEntry, len(keys))
	for i, k := range keys {
		entries[i] = fakeEntry{key: []byte(k), value: encodeValue(f.rows[k])}
	}
	return &fakeIterator{entries: entries}, nil
}

type fakeEntry struct {
	key   []byte
	value []byte
}

type fakeIterator struct {
	entries []fakeEntry
	pos     int
}

func (it *fakeIterator) Valid() bool       { return it.pos < len(it.entries) }
func (it *fakeIterator) Next()             { it.pos++ }
func (it *fakeIterator) Key() []byte       { return it.entries[it.pos].key }
func (it *fakeIterator) Value() []byte     { return it.entries[it.pos].value }
func (it *fakeIterator) Seek(k []byte)     { panic("unused") }
func (it *fakeIterator) Rewind()           { it.pos = 0 }
func (it *fakeIterator) Close() error      { return nil }

func applyInsert(t *testing.T, s *State, table *fakeTable, v, pk int) {
	t.Helper()
	table.insert(v)
	require.NoError(t, s.ApplyChunk([]Update{{Kind: OpInsert, Visible: true, CacheKey: cacheKey(v), Value: codec.NewInt64(int64(v))}}))
}

func applyDelete(t *testing.T, s *State, table *fakeTable, v, pk int) {
	t.Helper()
	table.delete(v)
	require.NoError(t, s.ApplyChunk([]Update{{Kind: OpDelete, Visible: true, CacheKey: cacheKey(v), Value: codec.NewInt64(int64(v))}}))
}

func mustOutputInt(t *testing.T, s *State) int {
	t.Helper()
	d, err := s.GetOutput(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	return int(d.Int64)
}

// TestScenarioS1ExtremeMinWithEviction is the literal S-1 scenario.
func TestScenarioS1ExtremeMinWithEviction(t *testing.T) {
	table := newFakeTable()
	s := NewState(Min, []byte("g"), int64Type, 3, table)

	applyInsert(t, s, table, 4, 123)
	applyInsert(t, s, table, 8, 128)
	applyInsert(t, s, table, 12, 129)
	require.Equal(t, 4, mustOutputInt(t, s))

	applyInsert(t, s, table, 9, 130)
	applyDelete(t, s, table, 9, 130)
	applyInsert(t, s, table, 13, 128)
	applyDelete(t, s, table, 4, 123)
	applyDelete(t, s, table, 8, 128)
	require.Equal(t, 12, mustOutputInt(t, s))
	require.Equal(t, 2, s.cache.Len())
	_, has12 := s.cache.Get(cacheKey(12))
	require.True(t, has12)
	_, has13 := s.cache.Get(cacheKey(13))
	require.True(t, has13)

	applyInsert(t, s, table, 1, 131)
	applyInsert(t, s, table, 2, 132)
	applyInsert(t, s, table, 3, 133)
	applyDelete(t, s, table, 1, 131)
	applyDelete(t, s, table, 2, 132)
	applyDelete(t, s, table, 3, 133)
	applyInsert(t, s, table, 14, 134)
	require.False(t, s.cacheSynced)
	require.Equal(t, 12, mustOutputInt(t, s))
	require.Equal(t, 3, s.cache.Len())
}

func TestTotalCountGoingNegativeIsFatal(t *testing.T) {
	table := newFakeTable()
	s := NewState(Max, nil, int64Type, 3, table)
	err := s.ApplyChunk([]Update{{Kind: OpDelete, Visible: true, CacheKey: cacheKey(1), Value: codec.NewInt64(1)}})
	require.Error(t, err)
}

// TestExtremeOutputMatchesReferenceAcrossCapacities is Testable Property 6:
// get_output must equal the true extreme regardless of cache capacity.
func TestExtremeOutputMatchesReferenceAcrossCapacities(t *testing.T) {
	type op struct {
		insert bool
		v      int
	}
	script := []op{
		{true, 50}, {true, 10}, {true, 90}, {true, 30}, {false, 10},
		{true, 5}, {false, 90}, {true, 70}, {false, 5}, {true, 1},
		{false, 1}, {false, 30}, {true, 100}, {true, 2}, {false, 2},
		{true, 60}, {false, 50}, {true, 3},
	}

	for _, capacity := range []int{1, 3, 1024, 0} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			table := newFakeTable()
			alive := map[int]bool{}
			s := NewState(Min, nil, int64Type, capacity, table)

			for _, o := range script {
				if o.insert {
					table.insert(o.v)
					alive[o.v] = true
					require.NoError(t, s.ApplyChunk([]Update{{Kind: OpInsert, Visible: true, CacheKey: cacheKey(o.v), Value: codec.NewInt64(int64(o.v))}}))
				} else {
					table.delete(o.v)
					delete(alive, o.v)
					require.NoError(t, s.ApplyChunk([]Update{{Kind: OpDelete, Visible: true, CacheKey: cacheKey(o.v), Value: codec.NewInt64(int64(o.v))}}))
				}

				want := referenceMin(alive)
				got, err := s.GetOutput(context.Background())
				require.NoError(t, err)
				if want == nil {
					require.Nil(t, got)
				} else {
					require.NotNil(t, got)
					require.Equal(t, *want, int(got.Int64))
				}
			}
		})
	}
}

func referenceMin(alive map[int]bool) *int {
	if len(alive) == 0 {
		return nil
	}
	min := 0
	first := true
	for v := range alive {
		if first || v < min {
			min = v
			first = false
		}
	}
	return &min
}

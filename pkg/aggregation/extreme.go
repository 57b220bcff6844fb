// Package aggregation implements the incremental MIN/MAX extreme-value
// aggregate: a bounded top-N cache in front of a backing state table,
// refilled lazily when the cache empties.
//
// Grounded on original_source's extreme.rs / table_state/extreme.rs: a
// BTreeMap-shaped top_n cache plus total_count and an is_dirty/flush
// protocol, renamed here to apply_chunk/get_output and cache_synced per
// SPEC_FULL.md's terminology.
package aggregation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/elliotchance/orderedmap"

	"github.com/riverstream/river/pkg/codec"
	"github.com/riverstream/river/pkg/errs"
	"github.com/riverstream/river/pkg/iterator"
)

// AggKind selects which extreme this instance tracks. It carries no
// comparison logic of its own: per §4.F's rationale, "for MAX the serde
// order types invert so 'first' still means the winner", so callers derive
// CacheKey via codec.SerializePK with OrderTypeFor(kind) on the agg column —
// Ascending for MIN, Descending for MAX — and this package always picks the
// winner as the byte-ascending minimum CacheKey.
type AggKind uint8

const (
	Min AggKind = iota
	Max
)

// OrderTypeFor returns the column order a caller should encode the agg
// column with when building a CacheKey for this aggregate kind.
func OrderTypeFor(kind AggKind) codec.OrderType {
	if kind == Max {
		return codec.Descending
	}
	return codec.Ascending
}

// CacheKey is the memcomparable-encoded (agg_col, upstream_pk) projection
// a caller derives from a row, encoded with OrderTypeFor(kind) on the agg
// column. Byte-ascending order on CacheKey is always the cache's winner-
// first sort order, for both MIN and MAX.
type CacheKey string

// BackingTable is the iterator source get_output falls back to once the
// cache is not synced: entries restricted to one group key, in ascending
// CacheKey order, whose Value() bytes are a single-column codec value
// encoding of the agg column (see codec.DeserializeRow with a one-element
// type/valueIndices pair).
type BackingTable interface {
	IterGroup(ctx context.Context, groupKey []byte) (iterator.MergeIterator, error)
}

// State is one extreme aggregate instance: one per (agg call, group key).
type State struct {
	mu sync.Mutex

	kind     AggKind
	groupKey []byte
	aggType  codec.DataType
	capacity int
	table    BackingTable

	totalCount  int64
	cache       *orderedmap.OrderedMap[CacheKey, codec.Datum]
	cacheSynced bool
}

// NewState builds an extreme aggregate state. An empty backing table
// starts cache_synced, since an empty cache is already the correct answer
// until the first row arrives.
func NewState(kind AggKind, groupKey []byte, aggType codec.DataType, capacity int, table BackingTable) *State {
	return &State{
		kind:        kind,
		groupKey:    groupKey,
		aggType:     aggType,
		capacity:    capacity,
		table:       table,
		cache:       orderedmap.NewOrderedMap[CacheKey, codec.Datum](),
		cacheSynced: true,
	}
}

func (s *State) less(a, b CacheKey) bool { return a < b }

// lastKey returns the cache's tail key in its sort order (the entry
// nearest the cache's high-water eviction edge).
func (s *State) lastKey() (CacheKey, bool) {
	el := s.cache.Back()
	if el == nil {
		return "", false
	}
	return el.Key, true
}

// insertSorted places key/value at its correct position in the cache and
// evicts the current tail once the cache exceeds capacity. The underlying
// OrderedMap only preserves insertion order, so maintaining CacheKey order
// means rebuilding the tail past the insertion point on every insert; the
// cache is capacity-bounded (callers pass small or moderate capacities), so
// this stays cheap in practice.
func (s *State) insertSorted(key CacheKey, value codec.Datum) {
	keys := s.cache.Keys()
	pos := sort.Search(len(keys), func(i int) bool { return !s.less(keys[i], key) })

	type kv struct {
		k CacheKey
		v codec.Datum
	}
	var tail []kv
	for _, k := range keys[pos:] {
		v, _ := s.cache.Get(k)
		tail = append(tail, kv{k, v})
		s.cache.Delete(k)
	}
	s.cache.Set(key, value)
	for _, e := range tail {
		s.cache.Set(e.k, e.v)
	}

	if s.capacity > 0 {
		for s.cache.Len() > s.capacity {
			back, ok := s.lastKey()
			if !ok {
				break
			}
			s.cache.Delete(back)
		}
	}
}

// ChunkOpKind tags one update row's stream-chunk operation.
type ChunkOpKind uint8

const (
	OpInsert ChunkOpKind = iota
	OpDelete
	OpUpdateInsert
	OpUpdateDelete
)

// Update is one visible row from an incoming stream chunk, already
// projected to its CacheKey and agg value.
type Update struct {
	Kind     ChunkOpKind
	Visible  bool
	CacheKey CacheKey
	Value    codec.Datum // nil means the agg column is null: skipped entirely
}

// ApplyChunk applies a vectorized batch of row updates per §4.F's
// apply_chunk protocol. Invariant violations (total_count going negative)
// are fatal and returned as errs.Conflict.
func (s *State) ApplyChunk(updates []Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if !u.Visible || u.Value == nil {
			continue
		}
		switch u.Kind {
		case OpInsert, OpUpdateInsert:
			if s.cacheSynced {
				full := int64(s.cache.Len()) == s.totalCount
				last, hasLast := s.lastKey()
				admits := full || !hasLast || s.less(u.CacheKey, last)
				if admits {
					s.insertSorted(u.CacheKey, u.Value)
				}
			}
			s.totalCount++
		case OpDelete, OpUpdateDelete:
			if s.totalCount <= 0 {
				return errs.New(errs.Conflict, "aggregation.ApplyChunk", fmt.Errorf("total_count would go negative"))
			}
			if s.cacheSynced {
				s.cache.Delete(u.CacheKey)
				if s.cache.Len() == 0 && s.totalCount > 1 {
					s.cacheSynced = false
				}
			}
			s.totalCount--
		default:
			return errs.New(errs.InvalidArgument, "aggregation.ApplyChunk", fmt.Errorf("unknown chunk op kind %d", u.Kind))
		}
	}
	return nil
}

// GetOutput returns the current extreme value per §4.F's get_output
// protocol, refilling the cache from the backing table when it is not
// synced.
func (s *State) GetOutput(ctx context.Context) (codec.Datum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cacheSynced {
		return s.firstValue(), nil
	}

	s.cache = orderedmap.NewOrderedMap[CacheKey, codec.Datum]()
	it, err := s.table.IterGroup(ctx, s.groupKey)
	if err != nil {
		return nil, errs.New(errs.Store, "aggregation.GetOutput", err)
	}
	defer it.Close()

	for it.Valid() && (s.capacity <= 0 || s.cache.Len() < s.capacity) {
		row, err := codec.DeserializeRow(it.Value(), []codec.DataType{s.aggType}, []int{0})
		if err != nil {
			return nil, errs.New(errs.Codec, "aggregation.GetOutput", err)
		}
		s.cache.Set(CacheKey(it.Key()), row[0])
		it.Next()
	}
	s.cacheSynced = true
	return s.firstValue(), nil
}

func (s *State) firstValue() codec.Datum {
	el := s.cache.Front()
	if el == nil {
		return nil
	}
	return el.Value
}

// TotalCount reports the number of rows currently contributing to this
// group, for tests and diagnostics.
func (s *State) TotalCount() int64 { return s.totalCount }

package codec

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializePKRoundTrip(t *testing.T) {
	types := []DataType{
		{Kind: KindInt32},
		{Kind: KindVarchar},
		{Kind: KindBool},
		{Kind: KindFloat64},
	}
	orders := []OrderType{Ascending, Descending, Ascending, Descending}
	row := Row{NewInt32(-7), NewVarchar("hello\x00world"), nil, NewFloat64(3.5)}

	buf, err := SerializePK(row, types, orders)
	require.NoError(t, err)

	decoded, err := DeserializePK(buf, types, orders)
	require.NoError(t, err)
	require.Equal(t, 0, RowCompare(row, decoded, types, nil))
}

func TestSerializeRowRoundTrip(t *testing.T) {
	types := []DataType{
		{Kind: KindInt64},
		{Kind: KindVarchar},
		{Kind: KindFloat32},
		{Kind: KindStruct, Fields: []DataType{{Kind: KindInt16}, {Kind: KindVarchar}}},
	}
	valueIndices := []int{1, 2, 3}
	row := Row{
		NewInt64(1),
		NewVarchar("payload"),
		nil,
		NewStruct([]Datum{NewInt16(9), nil}),
	}

	buf, err := SerializeRow(row, types, valueIndices)
	require.NoError(t, err)

	decoded, err := DeserializeRow(buf, types, valueIndices)
	require.NoError(t, err)
	require.Nil(t, decoded[0])
	require.Equal(t, "payload", decoded[1].Str)
	require.Nil(t, decoded[2])
	require.Equal(t, int16(9), decoded[3].Struct[0].Int16)
	require.Nil(t, decoded[3].Struct[1])
}

// TestMemcomparableFloatOrder checks the literal Testable Property 2
// sequence: encoding a set of floats and sorting by raw byte order must
// match CompareFloat64's total order (NaN maximal, all NaNs equal, +0==-0).
func TestMemcomparableFloatOrder(t *testing.T) {
	values := []float64{
		math.Inf(-1), -1, math.Copysign(0, -1), 0, 0, 1, math.Inf(1),
		math.NaN(), math.Copysign(math.NaN(), -1), math.NaN(),
	}
	dt := DataType{Kind: KindFloat64}

	type enc struct {
		orig float64
		key  []byte
	}
	encs := make([]enc, len(values))
	for i, v := range values {
		buf, err := SerializePK(Row{NewFloat64(v)}, []DataType{dt}, nil)
		require.NoError(t, err)
		encs[i] = enc{orig: v, key: buf}
	}

	sortedByKey := append([]enc(nil), encs...)
	sort.Slice(sortedByKey, func(i, j int) bool {
		return compareBytes(sortedByKey[i].key, sortedByKey[j].key) < 0
	})
	sortedByValue := append([]enc(nil), encs...)
	sort.SliceStable(sortedByValue, func(i, j int) bool {
		return CompareFloat64(sortedByValue[i].orig, sortedByValue[j].orig) < 0
	})

	for i := range sortedByKey {
		require.Equal(t, 0, CompareFloat64(sortedByKey[i].orig, sortedByValue[i].orig),
			"position %d: byte order disagrees with value order", i)
	}

	// -inf is strictly smallest, +inf/nan group sits at the top, and every
	// NaN bit pattern collapses to the same encoded key.
	require.Equal(t, math.Inf(-1), sortedByKey[0].orig)
	last3 := sortedByKey[len(sortedByKey)-3:]
	for _, e := range last3 {
		require.True(t, math.IsNaN(e.orig))
	}
	require.Equal(t, last3[0].key, last3[1].key)
	require.Equal(t, last3[1].key, last3[2].key)
}

func TestVNodeEmptyDistKeyIsZero(t *testing.T) {
	types := []DataType{{Kind: KindInt32}}
	row := Row{NewInt32(42)}
	vn, err := VNode(row, types, nil, 256)
	require.NoError(t, err)
	require.Equal(t, uint8(0), vn)
}

func TestVNodeDistributesAcrossRange(t *testing.T) {
	types := []DataType{{Kind: KindVarchar}}
	seen := make(map[uint8]bool)
	for i := 0; i < 500; i++ {
		row := Row{NewVarchar(string(rune('a' + i%26)) + string(rune(i)))}
		vn, err := VNode(row, types, []int{0}, 256)
		require.NoError(t, err)
		seen[vn] = true
	}
	require.Greater(t, len(seen), 10)
}

func TestDecimalOrdering(t *testing.T) {
	neg := Decimal{Class: DecimalNegInf}
	fin := Decimal{Class: DecimalFinite, Unscaled: 150, Scale: 2} // 1.50
	finEq := Decimal{Class: DecimalFinite, Unscaled: 15, Scale: 1} // 1.5
	pos := Decimal{Class: DecimalPosInf}
	nan := Decimal{Class: DecimalNaN}

	require.Equal(t, -1, neg.Compare(fin))
	require.Equal(t, 0, fin.Compare(finEq))
	require.Equal(t, -1, fin.Compare(pos))
	require.Equal(t, -1, pos.Compare(nan))
}

// TestMemcomparableDecimalOrder checks Testable Property 2 for Decimal: two
// values at different scales whose magnitudes disagree with their scales
// (0.5 vs 3, where 0.5's scale is larger but its value is smaller) must
// still encode in the same order Decimal.Compare gives them.
func TestMemcomparableDecimalOrder(t *testing.T) {
	values := []Decimal{
		{Class: DecimalNegInf},
		{Class: DecimalFinite, Unscaled: -3, Scale: 0},    // -3
		{Class: DecimalFinite, Unscaled: -5, Scale: 1},     // -0.5
		{Class: DecimalFinite, Unscaled: 0, Scale: 0},      // 0
		{Class: DecimalFinite, Unscaled: 5, Scale: 1},      // 0.5
		{Class: DecimalFinite, Unscaled: 25, Scale: 2},     // 0.25 (< 0.5 despite more digits)
		{Class: DecimalFinite, Unscaled: 3, Scale: 0},      // 3
		{Class: DecimalFinite, Unscaled: 123, Scale: 2},    // 1.23
		{Class: DecimalFinite, Unscaled: 12, Scale: 0},     // 12
		{Class: DecimalPosInf},
		{Class: DecimalNaN},
	}
	dt := DataType{Kind: KindDecimal}

	type enc struct {
		orig Decimal
		key  []byte
	}
	encs := make([]enc, len(values))
	for i, v := range values {
		buf, err := SerializePK(Row{NewDecimal(v)}, []DataType{dt}, nil)
		require.NoError(t, err)
		encs[i] = enc{orig: v, key: buf}
	}

	sortedByKey := append([]enc(nil), encs...)
	sort.Slice(sortedByKey, func(i, j int) bool {
		return compareBytes(sortedByKey[i].key, sortedByKey[j].key) < 0
	})
	sortedByValue := append([]enc(nil), encs...)
	sort.SliceStable(sortedByValue, func(i, j int) bool {
		return sortedByValue[i].orig.Compare(sortedByValue[j].orig) < 0
	})

	for i := range sortedByKey {
		require.Equal(t, 0, sortedByKey[i].orig.Compare(sortedByValue[i].orig),
			"position %d: byte order disagrees with Decimal.Compare order", i)
	}

	// 0.5 and 3 are the counterexample that breaks a scale-before-magnitude
	// encoding: 0.5 < 3 logically despite 0.5's larger scale.
	half, err := SerializePK(Row{NewDecimal(Decimal{Unscaled: 5, Scale: 1})}, []DataType{dt}, nil)
	require.NoError(t, err)
	three, err := SerializePK(Row{NewDecimal(Decimal{Unscaled: 3, Scale: 0})}, []DataType{dt}, nil)
	require.NoError(t, err)
	require.Less(t, compareBytes(half, three), 0)
}

// TestMemcomparableListOrder checks Testable Property 2 for List: elements
// must decide order before length does. [1] logically sorts after [0,0]
// (first element 1>0) even though it's shorter — a length-prefix encoding
// gets this backwards.
func TestMemcomparableListOrder(t *testing.T) {
	dt := DataType{Kind: KindList, Elem: &DataType{Kind: KindInt32}}
	listOf := func(vs ...int32) Datum {
		items := make([]Datum, len(vs))
		for i, v := range vs {
			items[i] = NewInt32(v)
		}
		return NewList(items)
	}

	oneKey, err := SerializePK(Row{listOf(1)}, []DataType{dt}, nil)
	require.NoError(t, err)
	zeroZeroKey, err := SerializePK(Row{listOf(0, 0)}, []DataType{dt}, nil)
	require.NoError(t, err)
	require.Greater(t, compareBytes(oneKey, zeroZeroKey), 0, "[1] must sort after [0,0]")

	shortKey, err := SerializePK(Row{listOf(1)}, []DataType{dt}, nil)
	require.NoError(t, err)
	longKey, err := SerializePK(Row{listOf(1, 0)}, []DataType{dt}, nil)
	require.NoError(t, err)
	require.Less(t, compareBytes(shortKey, longKey), 0, "[1] must sort before [1,0] once the shared prefix ties")

	decoded, rest, err := decodeDatumMemcomparable(longKey, dt, false)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, 0, CompareDatum(decoded, listOf(1, 0), dt))
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

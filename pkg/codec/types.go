// Package codec implements the row data model (Scalar/Datum/Row), its
// memcomparable key encoding, its value encoding, and vnode derivation.
//
// Grounded on original_source/src/common/src/types/mod.rs: one closed sum
// of scalar kinds, a null-tag-first datum encoding, and total-order floats
// that treat every NaN bit pattern as equal and maximal.
package codec

import (
	"fmt"
	"math"
)

// Kind tags a Scalar's active variant.
type Kind uint8

const (
	KindBool Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindVarchar
	KindDate
	KindTime
	KindTimestamp
	KindTimestampTz
	KindInterval
	KindStruct
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindDecimal:
		return "decimal"
	case KindVarchar:
		return "varchar"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindTimestamp:
		return "timestamp"
	case KindTimestampTz:
		return "timestamptz"
	case KindInterval:
		return "interval"
	case KindStruct:
		return "struct"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// DataType describes the type of one column. Struct/List carry their
// element type(s) recursively.
type DataType struct {
	Kind   Kind
	Fields []DataType // populated when Kind == KindStruct
	Elem   *DataType  // populated when Kind == KindList
}

// OrderType controls whether a column contributes ascending or descending
// bytes to a memcomparable key.
type OrderType uint8

const (
	Ascending OrderType = iota
	Descending
)

// Date is the number of days since the Unix epoch.
type Date int32

// Time is microseconds since midnight.
type Time int64

// Timestamp is microseconds since the Unix epoch, no timezone.
type Timestamp int64

// TimestampTz is microseconds since the Unix epoch, UTC-normalized; the
// engine does not retain an offset, matching a stored-as-UTC convention.
type TimestampTz int64

// Interval holds (months, days, microseconds) independently, per the
// calendar-aware interval model: intervals are not reduced to a single
// duration because month lengths vary.
type Interval struct {
	Months int32
	Days   int32
	Micros int64
}

// DecimalClass distinguishes Decimal's special states from finite values.
type DecimalClass uint8

const (
	DecimalFinite DecimalClass = iota
	DecimalNaN
	DecimalPosInf
	DecimalNegInf
)

// Decimal is a fixed-precision decimal: Unscaled * 10^(-Scale), plus
// NaN/+Inf/-Inf states that original_source's Decimal type also supports.
type Decimal struct {
	Class    DecimalClass
	Unscaled int64
	Scale    int32 // number of fractional digits; Unscaled is Scale-normalized
}

// Normalize strips trailing zero digits from the fractional part so that
// e.g. 1.50 and 1.5 hash and compare identically.
func (d Decimal) Normalize() Decimal {
	if d.Class != DecimalFinite {
		return Decimal{Class: d.Class}
	}
	u, s := d.Unscaled, d.Scale
	for s > 0 && u%10 == 0 {
		u /= 10
		s--
	}
	return Decimal{Class: DecimalFinite, Unscaled: u, Scale: s}
}

// Compare orders Decimals: -Inf < finite < +Inf < NaN, matching Scalar's
// float ordering convention.
func (d Decimal) Compare(o Decimal) int {
	rank := func(c DecimalClass) int {
		switch c {
		case DecimalNegInf:
			return 0
		case DecimalFinite:
			return 1
		case DecimalPosInf:
			return 2
		case DecimalNaN:
			return 3
		default:
			return 1
		}
	}
	dr, or := rank(d.Class), rank(o.Class)
	if dr != or {
		return cmpInt(dr, or)
	}
	if d.Class != DecimalFinite {
		return 0
	}
	dn, on := d.Normalize(), o.Normalize()
	// Align scales before comparing unscaled magnitudes.
	du, ou := dn.Unscaled, on.Unscaled
	ds, os := dn.Scale, on.Scale
	for ds < os {
		du *= 10
		ds++
	}
	for os < ds {
		ou *= 10
		os++
	}
	return cmpInt64(du, ou)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// OrderedFloat32/64 give floats a total order: all NaN bit patterns compare
// equal and sort as the maximum value; +0 == -0.

func CompareFloat32(a, b float32) int {
	return compareFloat64(float64CanonNaN32(a), float64CanonNaN32(b))
}

func CompareFloat64(a, b float64) int {
	return compareFloat64(canonNaN(a), canonNaN(b))
}

// canonNaN normalizes -0 to +0 and returns every other value unchanged;
// NaN is left as is and ordered by the IsNaN checks in compareFloat64.
func canonNaN(f float64) float64 {
	if f == 0 {
		return 0
	}
	return f
}

func float64CanonNaN32(f float32) float64 {
	if f == 0 {
		return 0
	}
	return float64(f)
}

func compareFloat64(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Scalar is a tagged sum over every supported value type: one struct field
// per variant (see §9's "macro-generated sum of scalars" design note — this
// is the hand-written replacement for code generation).
type Scalar struct {
	Kind        Kind
	Bool        bool
	Int16       int16
	Int32       int32
	Int64       int64
	Float32     float32
	Float64     float64
	Decimal     Decimal
	Str         string
	Date        Date
	Time        Time
	Timestamp   Timestamp
	TimestampTz TimestampTz
	Interval    Interval
	Struct      []Datum
	List        []Datum
}

// Datum is an optional Scalar; nil means SQL NULL. NULL sorts lower than
// any value.
type Datum = *Scalar

// Row is an ordered sequence of Datum; the table schema gives the types.
type Row []Datum

func NewBool(v bool) Datum         { return &Scalar{Kind: KindBool, Bool: v} }
func NewInt16(v int16) Datum       { return &Scalar{Kind: KindInt16, Int16: v} }
func NewInt32(v int32) Datum       { return &Scalar{Kind: KindInt32, Int32: v} }
func NewInt64(v int64) Datum       { return &Scalar{Kind: KindInt64, Int64: v} }
func NewFloat32(v float32) Datum   { return &Scalar{Kind: KindFloat32, Float32: v} }
func NewFloat64(v float64) Datum   { return &Scalar{Kind: KindFloat64, Float64: v} }
func NewDecimal(v Decimal) Datum   { return &Scalar{Kind: KindDecimal, Decimal: v} }
func NewVarchar(v string) Datum    { return &Scalar{Kind: KindVarchar, Str: v} }
func NewDate(v Date) Datum         { return &Scalar{Kind: KindDate, Date: v} }
func NewTime(v Time) Datum         { return &Scalar{Kind: KindTime, Time: v} }
func NewTimestamp(v Timestamp) Datum {
	return &Scalar{Kind: KindTimestamp, Timestamp: v}
}
func NewTimestampTz(v TimestampTz) Datum {
	return &Scalar{Kind: KindTimestampTz, TimestampTz: v}
}
func NewInterval(v Interval) Datum { return &Scalar{Kind: KindInterval, Interval: v} }
func NewStruct(v []Datum) Datum    { return &Scalar{Kind: KindStruct, Struct: v} }
func NewList(v []Datum) Datum      { return &Scalar{Kind: KindList, List: v} }

// CompareDatum orders two datums of the same type: NULL < any value.
func CompareDatum(a, b Datum, dt DataType) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return CompareScalar(a, b, dt)
	}
}

// CompareScalar orders two non-null scalars of the same type.
func CompareScalar(a, b *Scalar, dt DataType) int {
	switch dt.Kind {
	case KindBool:
		return cmpBool(a.Bool, b.Bool)
	case KindInt16:
		return cmpInt(int(a.Int16), int(b.Int16))
	case KindInt32:
		return cmpInt(int(a.Int32), int(b.Int32))
	case KindInt64:
		return cmpInt64(a.Int64, b.Int64)
	case KindFloat32:
		return CompareFloat32(a.Float32, b.Float32)
	case KindFloat64:
		return CompareFloat64(a.Float64, b.Float64)
	case KindDecimal:
		return a.Decimal.Compare(b.Decimal)
	case KindVarchar:
		return cmpString(a.Str, b.Str)
	case KindDate:
		return cmpInt64(int64(a.Date), int64(b.Date))
	case KindTime:
		return cmpInt64(int64(a.Time), int64(b.Time))
	case KindTimestamp:
		return cmpInt64(int64(a.Timestamp), int64(b.Timestamp))
	case KindTimestampTz:
		return cmpInt64(int64(a.TimestampTz), int64(b.TimestampTz))
	case KindInterval:
		return cmpInterval(a.Interval, b.Interval)
	case KindStruct:
		for i := range dt.Fields {
			if c := CompareDatum(a.Struct[i], b.Struct[i], dt.Fields[i]); c != 0 {
				return c
			}
		}
		return 0
	case KindList:
		n := len(a.List)
		if len(b.List) < n {
			n = len(b.List)
		}
		for i := 0; i < n; i++ {
			if c := CompareDatum(a.List[i], b.List[i], *dt.Elem); c != 0 {
				return c
			}
		}
		return cmpInt(len(a.List), len(b.List))
	default:
		panic(fmt.Sprintf("codec: unknown kind %v", dt.Kind))
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func cmpString(a, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cmpInterval(a, b Interval) int {
	// Calendar-aware comparison is ambiguous without an anchor date,
	// so intervals compare lexicographically by (months, days, micros) —
	// a total order, not a calendar-accurate one, sufficient for ORDER BY.
	if c := cmpInt(int(a.Months), int(b.Months)); c != 0 {
		return c
	}
	if c := cmpInt(int(a.Days), int(b.Days)); c != 0 {
		return c
	}
	return cmpInt64(a.Micros, b.Micros)
}

// RowCompare orders two rows of the same schema lexicographically, honoring
// per-column OrderType (used by Testable Property 2).
func RowCompare(a, b Row, types []DataType, orders []OrderType) int {
	for i := range types {
		c := CompareDatum(a[i], b[i], types[i])
		if orders != nil && orders[i] == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// VNodeSize is the number of bytes a vnode occupies in a state-store key.
const VNodeSize = 1

// canonicalNaNBits is the single bit pattern every NaN collapses to before
// memcomparable encoding, so "all NaNs equal, NaN is maximal" holds for
// byte-lexicographic comparison too (Testable Property 2).
const canonicalNaNBits64 = 0x7FF8000000000001
const canonicalNaNBits32 = 0x7FC00001

// encodeFloat64Bits produces a uint64 whose unsigned order matches
// CompareFloat64's total order (NaN maximal, all NaNs equal, +0 == -0).
func encodeFloat64Bits(f float64) uint64 {
	bits := math.Float64bits(f)
	if isNaNBits64(bits) {
		bits = canonicalNaNBits64
	}
	if f == 0 {
		bits = 0
	}
	if bits&signBit64 != 0 {
		return ^bits
	}
	return bits | signBit64
}

func encodeFloat32Bits(f float32) uint32 {
	bits := math.Float32bits(f)
	if isNaNBits32(bits) {
		bits = canonicalNaNBits32
	}
	if f == 0 {
		bits = 0
	}
	if bits&signBit32 != 0 {
		return ^bits
	}
	return bits | signBit32
}

const signBit64 = uint64(1) << 63
const signBit32 = uint32(1) << 31

func isNaNBits64(bits uint64) bool {
	exp := (bits >> 52) & 0x7FF
	mant := bits & 0xFFFFFFFFFFFFF
	return exp == 0x7FF && mant != 0
}

func isNaNBits32(bits uint32) bool {
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF
	return exp == 0xFF && mant != 0
}

// appendEscaped writes b using the classic order-preserving escape: every
// 0x00 byte becomes 0x00 0xFF, and the whole run is terminated by 0x00 0x00.
// This keeps byte-lexicographic order equal to the unescaped bytes' order
// while remaining self-delimiting when several fields are concatenated.
func appendEscaped(buf []byte, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, 0x00)
}

// readEscaped consumes one escaped run from buf, returning the decoded
// bytes and the remaining input.
func readEscaped(buf []byte) ([]byte, []byte, error) {
	var out []byte
	for {
		idx := indexByte(buf, 0x00)
		if idx < 0 {
			return nil, nil, fmt.Errorf("codec: unterminated escaped run")
		}
		if idx+1 >= len(buf) {
			return nil, nil, fmt.Errorf("codec: truncated escape sequence")
		}
		switch buf[idx+1] {
		case 0x00:
			out = append(out, buf[:idx]...)
			return out, buf[idx+2:], nil
		case 0xFF:
			out = append(out, buf[:idx]...)
			out = append(out, 0x00)
			buf = buf[idx+2:]
		default:
			return nil, nil, fmt.Errorf("codec: bad escape byte 0x%02x", buf[idx+1])
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// encodeScalarMemcomparable appends the memcomparable bytes of one non-null
// scalar to buf.
func encodeScalarMemcomparable(buf []byte, s *Scalar, dt DataType) ([]byte, error) {
	switch dt.Kind {
	case KindBool:
		if s.Bool {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case KindInt16:
		return appendUint16(buf, uint16(s.Int16)^0x8000), nil
	case KindInt32:
		return appendUint32(buf, uint32(s.Int32)^0x80000000), nil
	case KindInt64:
		return appendUint64(buf, uint64(s.Int64)^signBit64), nil
	case KindFloat32:
		return appendUint32(buf, encodeFloat32Bits(s.Float32)), nil
	case KindFloat64:
		return appendUint64(buf, encodeFloat64Bits(s.Float64)), nil
	case KindDecimal:
		return encodeDecimalMemcomparable(buf, s.Decimal), nil
	case KindVarchar:
		return appendEscaped(buf, []byte(s.Str)), nil
	case KindDate:
		return appendUint32(buf, uint32(s.Date)^0x80000000), nil
	case KindTime:
		return appendUint64(buf, uint64(s.Time)^signBit64), nil
	case KindTimestamp:
		return appendUint64(buf, uint64(s.Timestamp)^signBit64), nil
	case KindTimestampTz:
		return appendUint64(buf, uint64(s.TimestampTz)^signBit64), nil
	case KindInterval:
		buf = appendUint32(buf, uint32(s.Interval.Months)^0x80000000)
		buf = appendUint32(buf, uint32(s.Interval.Days)^0x80000000)
		buf = appendUint64(buf, uint64(s.Interval.Micros)^signBit64)
		return buf, nil
	case KindStruct:
		var err error
		for i, f := range s.Struct {
			buf, err = encodeDatumMemcomparable(buf, f, dt.Fields[i])
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case KindList:
		// Each element is preceded by a continuation marker (1=more follow,
		// 0=end), not a leading length prefix: CompareScalar's KindList case
		// compares elements in order before ever falling back to length, so
		// the encoding has to let the first differing element decide byte
		// order too. The terminator sorts below the continuation marker, so
		// a list that ends where another continues (equal common prefix)
		// sorts first, matching the length tiebreak.
		var err error
		for _, item := range s.List {
			buf = append(buf, 1)
			buf, err = encodeDatumMemcomparable(buf, item, *dt.Elem)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, 0), nil
	default:
		return nil, fmt.Errorf("codec: unknown kind %v", dt.Kind)
	}
}

// decimalMantissaDigits is the fixed width of the zero-padded ASCII digit
// string every finite decimal's mantissa encodes to. 19 covers the longest
// possible |Unscaled| (abs(math.MinInt64) has 19 digits).
const decimalMantissaDigits = 19

// encodeDecimalMemcomparable encodes class first (so -Inf < finite < +Inf <
// NaN sorts correctly), then for finite values a sign byte plus a
// scale-normalized magnitude.
//
// Decimal.Compare aligns scales before comparing magnitude, so Unscaled and
// Scale can't be encoded as independent fields in that order: two values
// with the same magnitude but different scales (1.50 vs 1.5, or worse 0.5
// vs 3) would sort by scale first and disagree with Compare. Instead each
// finite value is written in scientific notation — sign, a biased base-10
// exponent, and a fixed-width digit string for the mantissa — the way most
// memcomparable decimal schemes avoid the scale-alignment problem entirely.
func encodeDecimalMemcomparable(buf []byte, d Decimal) []byte {
	switch d.Class {
	case DecimalNegInf:
		return append(buf, 0)
	case DecimalFinite:
		return appendFiniteDecimal(append(buf, 1), d)
	case DecimalPosInf:
		return append(buf, 2)
	case DecimalNaN:
		return append(buf, 3)
	default:
		return appendFiniteDecimal(append(buf, 1), d)
	}
}

// appendFiniteDecimal appends a finite decimal's payload: a sign byte
// (0=negative, 1=zero, 2=positive) so all negatives sort below zero sorts
// below all positives, then a biased exponent and zero-padded mantissa
// digit string giving the magnitude. For negative values the exponent and
// mantissa bytes are bit-inverted (the same trick encodeFloat64Bits uses)
// so that larger magnitude sorts as more negative.
func appendFiniteDecimal(buf []byte, d Decimal) []byte {
	n := d.Normalize()
	switch {
	case n.Unscaled == 0:
		buf = append(buf, 1)
		return append(buf, make([]byte, 4+decimalMantissaDigits)...)
	case n.Unscaled < 0:
		buf = append(buf, 0)
		start := len(buf)
		buf = appendDecimalMagnitude(buf, decimalAbs(n.Unscaled), n.Scale)
		invertBytesFrom(buf, start)
		return buf
	default:
		buf = append(buf, 2)
		return appendDecimalMagnitude(buf, uint64(n.Unscaled), n.Scale)
	}
}

// appendDecimalMagnitude appends the biased exponent and fixed-width digit
// string for a non-zero |unscaled| at the given scale: value =
// unscaled * 10^(-scale), written as 0.d1d2...dn * 10^exponent.
func appendDecimalMagnitude(buf []byte, unscaled uint64, scale int32) []byte {
	digits := decimalDigitString(unscaled)
	exponent := int32(len(digits)) - scale
	buf = appendUint32(buf, uint32(exponent)^0x80000000)
	buf = append(buf, digits...)
	for i := len(digits); i < decimalMantissaDigits; i++ {
		buf = append(buf, '0')
	}
	return buf
}

func decimalDigitString(v uint64) []byte {
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return tmp[i:]
}

// decimalAbs returns |v| as a uint64, safe against math.MinInt64 overflow.
func decimalAbs(v int64) uint64 {
	if v == math.MinInt64 {
		return uint64(math.MaxInt64) + 1
	}
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func invertBytesFrom(buf []byte, start int) {
	for i := start; i < len(buf); i++ {
		buf[i] = ^buf[i]
	}
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// encodeDatumMemcomparable appends a null tag (0=null,1=present) followed by
// the scalar's memcomparable bytes if present.
func encodeDatumMemcomparable(buf []byte, d Datum, dt DataType) ([]byte, error) {
	if d == nil {
		return append(buf, 0), nil
	}
	buf = append(buf, 1)
	return encodeScalarMemcomparable(buf, d, dt)
}

// SerializePK encodes row as a memcomparable key: per-column null tag then
// payload, with descending columns' bytes bit-inverted after encoding.
func SerializePK(row Row, types []DataType, orders []OrderType) ([]byte, error) {
	if len(row) != len(types) {
		return nil, fmt.Errorf("codec: %w: row has %d columns, schema has %d", ErrSchemaMismatch, len(row), len(types))
	}
	var out []byte
	for i, d := range row {
		start := len(out)
		var err error
		out, err = encodeDatumMemcomparable(out, d, types[i])
		if err != nil {
			return nil, err
		}
		if orders != nil && i < len(orders) && orders[i] == Descending {
			for j := start; j < len(out); j++ {
				out[j] = ^out[j]
			}
		}
	}
	return out, nil
}

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SerializeRow encodes the columns named by valueIndices (a table's
// value_indices: everything that is not part of the primary key and that
// downstream operators actually read) as a null bitmap followed by the
// non-null columns' payloads in definition order. No per-value type tag is
// written, and only varchar and list payloads carry a length (or element
// count) prefix, so decoding depends on the column types.
func SerializeRow(row Row, types []DataType, valueIndices []int) ([]byte, error) {
	n := len(valueIndices)
	bitmapLen := (n + 7) / 8
	out := make([]byte, bitmapLen)
	for bi, idx := range valueIndices {
		if idx < 0 || idx >= len(row) {
			return nil, fmt.Errorf("codec: %w: value index %d out of range", ErrSchemaMismatch, idx)
		}
		if row[idx] != nil {
			out[bi/8] |= 1 << uint(bi%8)
		}
	}
	for _, idx := range valueIndices {
		if row[idx] == nil {
			continue
		}
		var err error
		out, err = appendValueScalar(out, row[idx], types[idx])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeserializeRow is the inverse of SerializeRow. The returned Row has
// len(types) slots; columns absent from valueIndices stay nil.
func DeserializeRow(data []byte, types []DataType, valueIndices []int) (Row, error) {
	n := len(valueIndices)
	bitmapLen := (n + 7) / 8
	if len(data) < bitmapLen {
		return nil, fmt.Errorf("codec: %w: truncated null bitmap", ErrBadEncoding)
	}
	bitmap := data[:bitmapLen]
	rest := data[bitmapLen:]
	row := make(Row, len(types))
	for bi, idx := range valueIndices {
		present := bitmap[bi/8]&(1<<uint(bi%8)) != 0
		if !present {
			continue
		}
		d, nr, err := decodeValueScalar(rest, types[idx])
		if err != nil {
			return nil, err
		}
		row[idx] = d
		rest = nr
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %w: %d trailing bytes after row decode", ErrSchemaMismatch, len(rest))
	}
	return row, nil
}

// appendValueScalar writes one scalar in the value encoding (no
// memcomparable sign/bit tricks, no escaping) since values are never
// byte-compared. It writes no type tag: fixed-width kinds are raw big-endian
// bytes, a decimal is its class byte plus scale and unscaled value, a
// varchar is prefixed with its 4-byte length and a list with its 4-byte
// element count.
func appendValueScalar(buf []byte, s *Scalar, dt DataType) ([]byte, error) {
	switch dt.Kind {
	case KindBool:
		if s.Bool {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case KindInt16:
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(s.Int16))
		return append(buf, tmp[:]...), nil
	case KindInt32:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(s.Int32))
		return append(buf, tmp[:]...), nil
	case KindInt64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(s.Int64))
		return append(buf, tmp[:]...), nil
	case KindFloat32:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], math.Float32bits(s.Float32))
		return append(buf, tmp[:]...), nil
	case KindFloat64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(s.Float64))
		return append(buf, tmp[:]...), nil
	case KindDecimal:
		buf = append(buf, byte(s.Decimal.Class))
		var tmp [12]byte
		binary.BigEndian.PutUint32(tmp[0:4], uint32(s.Decimal.Scale))
		binary.BigEndian.PutUint64(tmp[4:12], uint64(s.Decimal.Unscaled))
		return append(buf, tmp[:]...), nil
	case KindVarchar:
		return appendLengthPrefixed(buf, []byte(s.Str)), nil
	case KindDate:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(s.Date))
		return append(buf, tmp[:]...), nil
	case KindTime:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(s.Time))
		return append(buf, tmp[:]...), nil
	case KindTimestamp:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(s.Timestamp))
		return append(buf, tmp[:]...), nil
	case KindTimestampTz:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(s.TimestampTz))
		return append(buf, tmp[:]...), nil
	case KindInterval:
		var tmp [16]byte
		binary.BigEndian.PutUint32(tmp[0:4], uint32(s.Interval.Months))
		binary.BigEndian.PutUint32(tmp[4:8], uint32(s.Interval.Days))
		binary.BigEndian.PutUint64(tmp[8:16], uint64(s.Interval.Micros))
		return append(buf, tmp[:]...), nil
	case KindStruct:
		var err error
		for i, f := range s.Struct {
			buf, err = appendValueDatum(buf, f, dt.Fields[i])
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case KindList:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(s.List)))
		buf = append(buf, tmp[:]...)
		var err error
		for _, item := range s.List {
			buf, err = appendValueDatum(buf, item, *dt.Elem)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("codec: unknown kind %v", dt.Kind)
	}
}

// appendValueDatum is used inside Struct/List, where elements carry their
// own null tag (the outer null bitmap only covers top-level columns).
func appendValueDatum(buf []byte, d Datum, dt DataType) ([]byte, error) {
	if d == nil {
		return append(buf, 0), nil
	}
	buf = append(buf, 1)
	return appendValueScalar(buf, d, dt)
}

func appendLengthPrefixed(buf []byte, b []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf = append(buf, tmp[:]...)
	return append(buf, b...)
}

func decodeValueDatum(buf []byte, dt DataType) (Datum, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("codec: %w: truncated datum tag", ErrBadEncoding)
	}
	switch buf[0] {
	case 0:
		return nil, buf[1:], nil
	case 1:
		return decodeValueScalar(buf[1:], dt)
	default:
		return nil, nil, fmt.Errorf("codec: %w: bad null tag %d", ErrBadEncoding, buf[0])
	}
}

func decodeValueScalar(buf []byte, dt DataType) (*Scalar, []byte, error) {
	need := func(n int) error {
		if len(buf) < n {
			return fmt.Errorf("codec: %w: truncated %s value", ErrBadEncoding, dt.Kind)
		}
		return nil
	}
	switch dt.Kind {
	case KindBool:
		if err := need(1); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindBool, Bool: buf[0] != 0}, buf[1:], nil
	case KindInt16:
		if err := need(2); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindInt16, Int16: int16(binary.BigEndian.Uint16(buf))}, buf[2:], nil
	case KindInt32:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindInt32, Int32: int32(binary.BigEndian.Uint32(buf))}, buf[4:], nil
	case KindInt64:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindInt64, Int64: int64(binary.BigEndian.Uint64(buf))}, buf[8:], nil
	case KindFloat32:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindFloat32, Float32: math.Float32frombits(binary.BigEndian.Uint32(buf))}, buf[4:], nil
	case KindFloat64:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindFloat64, Float64: math.Float64frombits(binary.BigEndian.Uint64(buf))}, buf[8:], nil
	case KindDecimal:
		if err := need(1 + 12); err != nil {
			return nil, nil, err
		}
		class := DecimalClass(buf[0])
		scale := int32(binary.BigEndian.Uint32(buf[1:5]))
		unscaled := int64(binary.BigEndian.Uint64(buf[5:13]))
		return &Scalar{Kind: KindDecimal, Decimal: Decimal{Class: class, Scale: scale, Unscaled: unscaled}}, buf[13:], nil
	case KindVarchar:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		l := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		if err := need2(buf, int(l)); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindVarchar, Str: string(buf[:l])}, buf[l:], nil
	case KindDate:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindDate, Date: Date(int32(binary.BigEndian.Uint32(buf)))}, buf[4:], nil
	case KindTime:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindTime, Time: Time(int64(binary.BigEndian.Uint64(buf)))}, buf[8:], nil
	case KindTimestamp:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindTimestamp, Timestamp: Timestamp(int64(binary.BigEndian.Uint64(buf)))}, buf[8:], nil
	case KindTimestampTz:
		if err := need(8); err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindTimestampTz, TimestampTz: TimestampTz(int64(binary.BigEndian.Uint64(buf)))}, buf[8:], nil
	case KindInterval:
		if err := need(16); err != nil {
			return nil, nil, err
		}
		months := int32(binary.BigEndian.Uint32(buf[0:4]))
		days := int32(binary.BigEndian.Uint32(buf[4:8]))
		micros := int64(binary.BigEndian.Uint64(buf[8:16]))
		return &Scalar{Kind: KindInterval, Interval: Interval{Months: months, Days: days, Micros: micros}}, buf[16:], nil
	case KindStruct:
		fields := make([]Datum, len(dt.Fields))
		rest := buf
		for i, ft := range dt.Fields {
			d, nr, err := decodeValueDatum(rest, ft)
			if err != nil {
				return nil, nil, err
			}
			fields[i] = d
			rest = nr
		}
		return &Scalar{Kind: KindStruct, Struct: fields}, rest, nil
	case KindList:
		if err := need(4); err != nil {
			return nil, nil, err
		}
		n := binary.BigEndian.Uint32(buf)
		rest := buf[4:]
		items := make([]Datum, n)
		for i := uint32(0); i < n; i++ {
			d, nr, err := decodeValueDatum(rest, *dt.Elem)
			if err != nil {
				return nil, nil, err
			}
			items[i] = d
			rest = nr
		}
		return &Scalar{Kind: KindList, List: items}, rest, nil
	default:
		return nil, nil, fmt.Errorf("codec: unknown kind %v", dt.Kind)
	}
}

func need2(buf []byte, n int) error {
	if len(buf) < n {
		return fmt.Errorf("codec: %w: truncated varchar payload", ErrBadEncoding)
	}
	return nil
}

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// DeserializePK decodes a memcomparable key produced by SerializePK back
// into a Row. Decoding inverts descending columns' bytes back before
// interpreting them, recursively for Struct/List.
func DeserializePK(buf []byte, types []DataType, orders []OrderType) (Row, error) {
	row := make(Row, len(types))
	rest := buf
	for i, dt := range types {
		invert := orders != nil && i < len(orders) && orders[i] == Descending
		d, nr, err := decodeDatumMemcomparable(rest, dt, invert)
		if err != nil {
			return nil, err
		}
		row[i] = d
		rest = nr
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %w: %d trailing bytes after pk decode", ErrSchemaMismatch, len(rest))
	}
	return row, nil
}

func unmask(b byte, invert bool) byte {
	if invert {
		return ^b
	}
	return b
}

func takeByte(buf []byte, invert bool) (byte, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("codec: %w: truncated byte", ErrBadEncoding)
	}
	return unmask(buf[0], invert), buf[1:], nil
}

func takeUint16(buf []byte, invert bool) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, fmt.Errorf("codec: %w: truncated uint16", ErrBadEncoding)
	}
	var tmp [2]byte
	for i := 0; i < 2; i++ {
		tmp[i] = unmask(buf[i], invert)
	}
	return binary.BigEndian.Uint16(tmp[:]), buf[2:], nil
}

func takeUint32(buf []byte, invert bool) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("codec: %w: truncated uint32", ErrBadEncoding)
	}
	var tmp [4]byte
	for i := 0; i < 4; i++ {
		tmp[i] = unmask(buf[i], invert)
	}
	return binary.BigEndian.Uint32(tmp[:]), buf[4:], nil
}

func takeUint64(buf []byte, invert bool) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("codec: %w: truncated uint64", ErrBadEncoding)
	}
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = unmask(buf[i], invert)
	}
	return binary.BigEndian.Uint64(tmp[:]), buf[8:], nil
}

func takeRawBytes(buf []byte, invert bool, n int) ([]byte, []byte, error) {
	if len(buf) < n {
		return nil, nil, fmt.Errorf("codec: %w: truncated raw bytes", ErrBadEncoding)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = unmask(buf[i], invert)
	}
	return out, buf[n:], nil
}

func takeEscaped(buf []byte, invert bool) ([]byte, []byte, error) {
	marker, escaped := byte(0x00), byte(0xFF)
	if invert {
		marker, escaped = 0xFF, 0x00
	}
	var out []byte
	i := 0
	for {
		idx := -1
		for j := i; j < len(buf); j++ {
			if buf[j] == marker {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, nil, fmt.Errorf("codec: %w: unterminated escaped run", ErrBadEncoding)
		}
		for _, c := range buf[i:idx] {
			out = append(out, unmask(c, invert))
		}
		if idx+1 >= len(buf) {
			return nil, nil, fmt.Errorf("codec: %w: truncated escape sequence", ErrBadEncoding)
		}
		switch buf[idx+1] {
		case marker:
			return out, buf[idx+2:], nil
		case escaped:
			out = append(out, 0x00)
			i = idx + 2
		default:
			return nil, nil, fmt.Errorf("codec: %w: bad escape byte", ErrBadEncoding)
		}
	}
}

func decodeDatumMemcomparable(buf []byte, dt DataType, invert bool) (Datum, []byte, error) {
	tag, rest, err := takeByte(buf, invert)
	if err != nil {
		return nil, nil, err
	}
	switch tag {
	case 0:
		return nil, rest, nil
	case 1:
		s, nr, err := decodeScalarMemcomparable(rest, dt, invert)
		if err != nil {
			return nil, nil, err
		}
		return s, nr, nil
	default:
		return nil, nil, fmt.Errorf("codec: %w: bad null tag %d", ErrBadEncoding, tag)
	}
}

func decodeScalarMemcomparable(buf []byte, dt DataType, invert bool) (*Scalar, []byte, error) {
	switch dt.Kind {
	case KindBool:
		b, rest, err := takeByte(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindBool, Bool: b != 0}, rest, nil
	case KindInt16:
		v, rest, err := takeUint16(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindInt16, Int16: int16(v ^ 0x8000)}, rest, nil
	case KindInt32:
		v, rest, err := takeUint32(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindInt32, Int32: int32(v ^ 0x80000000)}, rest, nil
	case KindInt64:
		v, rest, err := takeUint64(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindInt64, Int64: int64(v ^ signBit64)}, rest, nil
	case KindFloat32:
		v, rest, err := takeUint32(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindFloat32, Float32: decodeFloat32Bits(v)}, rest, nil
	case KindFloat64:
		v, rest, err := takeUint64(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindFloat64, Float64: decodeFloat64Bits(v)}, rest, nil
	case KindDecimal:
		return decodeDecimalMemcomparable(buf, invert)
	case KindVarchar:
		b, rest, err := takeEscaped(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindVarchar, Str: string(b)}, rest, nil
	case KindDate:
		v, rest, err := takeUint32(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindDate, Date: Date(int32(v ^ 0x80000000))}, rest, nil
	case KindTime:
		v, rest, err := takeUint64(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindTime, Time: Time(int64(v ^ signBit64))}, rest, nil
	case KindTimestamp:
		v, rest, err := takeUint64(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindTimestamp, Timestamp: Timestamp(int64(v ^ signBit64))}, rest, nil
	case KindTimestampTz:
		v, rest, err := takeUint64(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindTimestampTz, TimestampTz: TimestampTz(int64(v ^ signBit64))}, rest, nil
	case KindInterval:
		months, rest, err := takeUint32(buf, invert)
		if err != nil {
			return nil, nil, err
		}
		days, rest, err := takeUint32(rest, invert)
		if err != nil {
			return nil, nil, err
		}
		micros, rest, err := takeUint64(rest, invert)
		if err != nil {
			return nil, nil, err
		}
		return &Scalar{Kind: KindInterval, Interval: Interval{
			Months: int32(months ^ 0x80000000),
			Days:   int32(days ^ 0x80000000),
			Micros: int64(micros ^ signBit64),
		}}, rest, nil
	case KindStruct:
		fields := make([]Datum, len(dt.Fields))
		rest := buf
		for i, ft := range dt.Fields {
			d, nr, err := decodeDatumMemcomparable(rest, ft, invert)
			if err != nil {
				return nil, nil, err
			}
			fields[i] = d
			rest = nr
		}
		return &Scalar{Kind: KindStruct, Struct: fields}, rest, nil
	case KindList:
		var items []Datum
		rest := buf
		for {
			marker, nr, err := takeByte(rest, invert)
			if err != nil {
				return nil, nil, err
			}
			rest = nr
			if marker == 0 {
				break
			}
			if marker != 1 {
				return nil, nil, fmt.Errorf("codec: %w: bad list marker %d", ErrBadEncoding, marker)
			}
			d, nr2, err := decodeDatumMemcomparable(rest, *dt.Elem, invert)
			if err != nil {
				return nil, nil, err
			}
			items = append(items, d)
			rest = nr2
		}
		return &Scalar{Kind: KindList, List: items}, rest, nil
	default:
		return nil, nil, fmt.Errorf("codec: %w: unknown kind %v", ErrBadEncoding, dt.Kind)
	}
}

// decodeDecimalMemcomparable is the counterpart of appendFiniteDecimal: read
// the sign byte, undo its bit-inversion of the exponent+mantissa bytes when
// negative, then recover Unscaled/Scale from the exponent and the digit
// string's significant length. All trailing zero digits are trimmed, so the
// decoded (Unscaled, Scale) pair is the value's shortest form: it compares
// equal to the encoded value but can differ in representation (120 at
// scale 0 decodes as Unscaled 12, Scale -1).
func decodeDecimalMemcomparable(buf []byte, invert bool) (*Scalar, []byte, error) {
	class, rest, err := takeByte(buf, invert)
	if err != nil {
		return nil, nil, err
	}
	switch class {
	case 0:
		return &Scalar{Kind: KindDecimal, Decimal: Decimal{Class: DecimalNegInf}}, rest, nil
	case 1:
		sign, rest, err := takeByte(rest, invert)
		if err != nil {
			return nil, nil, err
		}
		payload, rest, err := takeRawBytes(rest, invert, 4+decimalMantissaDigits)
		if err != nil {
			return nil, nil, err
		}
		switch sign {
		case 1:
			return &Scalar{Kind: KindDecimal, Decimal: Decimal{Class: DecimalFinite}}, rest, nil
		case 0, 2:
			if sign == 0 {
				for i := range payload {
					payload[i] = ^payload[i]
				}
			}
			exponent := int32(binary.BigEndian.Uint32(payload[:4]) ^ 0x80000000)
			digits := payload[4:]
			numDigits := len(digits)
			for numDigits > 0 && digits[numDigits-1] == '0' {
				numDigits--
			}
			if numDigits == 0 {
				numDigits = 1
			}
			mag, err := strconv.ParseUint(string(digits[:numDigits]), 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("codec: %w: bad decimal mantissa: %v", ErrBadEncoding, err)
			}
			unscaled := int64(mag)
			if sign == 0 {
				unscaled = -unscaled
			}
			return &Scalar{Kind: KindDecimal, Decimal: Decimal{
				Class:    DecimalFinite,
				Unscaled: unscaled,
				Scale:    int32(numDigits) - exponent,
			}}, rest, nil
		default:
			return nil, nil, fmt.Errorf("codec: %w: bad decimal sign %d", ErrBadEncoding, sign)
		}
	case 2:
		return &Scalar{Kind: KindDecimal, Decimal: Decimal{Class: DecimalPosInf}}, rest, nil
	case 3:
		return &Scalar{Kind: KindDecimal, Decimal: Decimal{Class: DecimalNaN}}, rest, nil
	default:
		return nil, nil, fmt.Errorf("codec: %w: bad decimal class %d", ErrBadEncoding, class)
	}
}

func decodeFloat32Bits(v uint32) float32 {
	var raw uint32
	if v&signBit32 != 0 {
		raw = v &^ signBit32
	} else {
		raw = ^v
	}
	return math.Float32frombits(raw)
}

func decodeFloat64Bits(v uint64) float64 {
	var raw uint64
	if v&signBit64 != 0 {
		raw = v &^ signBit64
	} else {
		raw = ^v
	}
	return math.Float64frombits(raw)
}

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FrameHeaderSize is the number of bytes in a frame's header: one
// tombstone byte followed by a 32-bit little-endian payload length.
const FrameHeaderSize = 5

// Tombstone values.
const (
	TombstoneLive    byte = 0
	TombstoneDeleted byte = 1
)

// Encode validates row against schema and serializes it to a frame:
// one tombstone byte (always 0, live), a little-endian uint32 payload
// length, then the payload. Fails with [ErrSchemaViolation] if row is
// missing a declared column, has an unknown column, or a value of the
// wrong type. Numeric conversions are strict: no implicit coercion from
// string to integer or vice versa.
func Encode(schema *Schema, row Row) ([]byte, error) {
	if len(row) != len(schema.Columns) {
		return nil, fmt.Errorf("%w: row has %d columns, schema declares %d", ErrSchemaViolation, len(row), len(schema.Columns))
	}

	payload, err := encodePayload(schema, row)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, FrameHeaderSize+len(payload))
	frame = append(frame, TombstoneLive)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	return frame, nil
}

func encodePayload(schema *Schema, row Row) ([]byte, error) {
	var payload []byte

	for _, col := range schema.Columns {
		val, ok := row[col.Name]
		if !ok {
			return nil, fmt.Errorf("%w: row missing column %q", ErrSchemaViolation, col.Name)
		}

		if val.Type != col.Type {
			return nil, fmt.Errorf("%w: column %q: want type %s, got %s", ErrSchemaViolation, col.Name, col.Type, val.Type)
		}

		encoded, err := encodeValue(val)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}

		payload = append(payload, encoded...)
	}

	for name := range row {
		if _, ok := schema.ColumnIndex(name); !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrSchemaViolation, name)
		}
	}

	return payload, nil
}

func encodeValue(v Value) ([]byte, error) {
	switch v.Type {
	case TypeString:
		return appendLengthPrefixed(nil, []byte(v.Str)), nil
	case TypeBytes:
		return appendLengthPrefixed(nil, v.Bytes), nil
	case TypeInt:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.Int))

		return buf, nil
	case TypeFloat:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Float))

		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unknown value type %s", ErrSchemaViolation, v.Type)
	}
}

func appendLengthPrefixed(dst, data []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}

// PeekHeader parses a frame's 5-byte header without touching the
// payload. header must be at least [FrameHeaderSize] bytes. Returns the
// tombstone byte and the frame's total length (header + payload).
func PeekHeader(header []byte) (tombstone byte, totalLength uint32, err error) {
	if len(header) < FrameHeaderSize {
		return 0, 0, fmt.Errorf("%w: frame header needs %d bytes, got %d", ErrCorruptFrame, FrameHeaderSize, len(header))
	}

	payloadLen := binary.LittleEndian.Uint32(header[1:5])

	return header[0], FrameHeaderSize + payloadLen, nil
}

// Decode parses payload (the frame's bytes after the 5-byte header)
// according to schema's column order. Fails with [ErrCorruptFrame] if an
// inner length-prefixed field overruns the buffer or trailing bytes
// remain unconsumed.
func Decode(schema *Schema, payload []byte) (Row, error) {
	row := make(Row, len(schema.Columns))
	off := 0

	for _, col := range schema.Columns {
		val, n, err := decodeValue(col.Type, payload[off:])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}

		row[col.Name] = val
		off += n
	}

	if off != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes after decoding all columns", ErrCorruptFrame, len(payload)-off)
	}

	return row, nil
}

func decodeValue(t Type, buf []byte) (Value, int, error) {
	switch t {
	case TypeString, TypeBytes:
		if len(buf) < 4 {
			return Value{}, 0, fmt.Errorf("%w: length prefix overruns buffer", ErrCorruptFrame)
		}

		length := int(binary.LittleEndian.Uint32(buf[0:4]))
		if length < 0 || 4+length > len(buf) {
			return Value{}, 0, fmt.Errorf("%w: field of length %d overruns buffer", ErrCorruptFrame, length)
		}

		data := make([]byte, length)
		copy(data, buf[4:4+length])

		if t == TypeString {
			return StringValue(string(data)), 4 + length, nil
		}

		return BytesValue(data), 4 + length, nil

	case TypeInt:
		if len(buf) < 8 {
			return Value{}, 0, fmt.Errorf("%w: int field overruns buffer", ErrCorruptFrame)
		}

		return IntValue(int64(binary.LittleEndian.Uint64(buf[0:8]))), 8, nil

	case TypeFloat:
		if len(buf) < 8 {
			return Value{}, 0, fmt.Errorf("%w: float field overruns buffer", ErrCorruptFrame)
		}

		return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8]))), 8, nil

	default:
		return Value{}, 0, fmt.Errorf("%w: unknown type %s", ErrCorruptFrame, t)
	}
}

// EncodeKeyTuple builds a comparable key for row's unique-column tuple,
// in schema order. The result is suitable as a Go map key. Fails with
// [ErrSchemaViolation] if row is missing a unique column.
//
// Uses the same length-prefixed/fixed-width encoding as [Encode], so two
// rows collide in the returned key if and only if they have equal values
// on every unique column.
func EncodeKeyTuple(schema *Schema, row Row) (string, error) {
	unique := schema.UniqueColumns()

	var key []byte

	for _, col := range unique {
		val, ok := row[col.Name]
		if !ok {
			return "", fmt.Errorf("%w: row missing unique column %q", ErrSchemaViolation, col.Name)
		}

		if val.Type != col.Type {
			return "", fmt.Errorf("%w: unique column %q: want type %s, got %s", ErrSchemaViolation, col.Name, col.Type, val.Type)
		}

		encoded, err := encodeValue(val)
		if err != nil {
			return "", err
		}

		key = append(key, encoded...)
	}

	return string(key), nil
}

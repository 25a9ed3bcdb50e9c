package codec

import (
	"encoding/binary"
	"fmt"
)

// Schema is an ordered, immutable sequence of columns. Column names are
// unique within a schema.
type Schema struct {
	Columns []Column
}

// NewSchema builds a [Schema] from columns, in the given order. It does
// not validate; use [Schema.Validate] for that.
func NewSchema(columns []Column) *Schema {
	return &Schema{Columns: columns}
}

// Validate reports whether the schema has non-empty, unique column names
// and only supported types.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: schema has no columns", ErrSchemaViolation)
	}

	seen := make(map[string]struct{}, len(s.Columns))

	for _, col := range s.Columns {
		if col.Name == "" {
			return fmt.Errorf("%w: column name is empty", ErrSchemaViolation)
		}

		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("%w: duplicate column name %q", ErrSchemaViolation, col.Name)
		}

		seen[col.Name] = struct{}{}

		if !col.Type.Valid() {
			return fmt.Errorf("%w: column %q has unknown type %q", ErrSchemaViolation, col.Name, col.Type)
		}
	}

	return nil
}

// ColumnIndex returns the position of the named column and true, or
// (0, false) if no such column is declared.
func (s *Schema) ColumnIndex(name string) (int, bool) {
	for i, col := range s.Columns {
		if col.Name == name {
			return i, true
		}
	}

	return 0, false
}

// UniqueColumns returns the subset of columns declared UNIQUE, in schema
// order. An empty result means rows have no logical identity beyond
// their file position.
func (s *Schema) UniqueColumns() []Column {
	var out []Column

	for _, col := range s.Columns {
		if col.Unique {
			out = append(out, col)
		}
	}

	return out
}

// Equal reports whether s and other declare the same columns, in the
// same order, with the same types and unique flags. Used by
// create_table's idempotency check (§6 SchemaConflict).
func (s *Schema) Equal(other *Schema) bool {
	if other == nil || len(s.Columns) != len(other.Columns) {
		return false
	}

	for i, col := range s.Columns {
		o := other.Columns[i]
		if col.Name != o.Name || col.Type != o.Type || col.Unique != o.Unique {
			return false
		}
	}

	return true
}

// --- schema.bin wire format ---
//
// offset  size  field
// 0       4     magic = ASCII "QXSC"
// 4       4     version = 1 (uint32)
// 8       4     column_count N (uint32)
// 12      ...   repeated N times:
//                 uint16 name_len
//                 name_len bytes UTF-8 name
//                 uint8 type_code ('s','i','f','b')
//                 uint8 is_unique (0/1)

const (
	schemaMagic   = "QXSC"
	schemaVersion = uint32(1)
)

// EncodeSchema serializes s to the schema.bin wire format.
func EncodeSchema(s *Schema) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 12+len(s.Columns)*8)
	buf = append(buf, schemaMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, schemaVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Columns)))

	for _, col := range s.Columns {
		name := []byte(col.Name)
		if len(name) > 0xFFFF {
			return nil, fmt.Errorf("%w: column name %q too long", ErrSchemaViolation, col.Name)
		}

		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
		buf = append(buf, name...)
		buf = append(buf, byte(col.Type))

		if col.Unique {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	return buf, nil
}

// DecodeSchema parses the schema.bin wire format produced by
// [EncodeSchema]. Returns [ErrCorruptFrame] wrapped with context on any
// structural problem: bad magic, unsupported version, or a field that
// overruns the buffer.
func DecodeSchema(data []byte) (*Schema, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: schema header too short (%d bytes)", ErrCorruptFrame, len(data))
	}

	if string(data[0:4]) != schemaMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptFrame, data[0:4])
	}

	version := binary.LittleEndian.Uint32(data[4:8])
	if version != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrCorruptFrame, version)
	}

	count := binary.LittleEndian.Uint32(data[8:12])
	columns := make([]Column, 0, count)
	off := 12

	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: column %d name length overruns buffer", ErrCorruptFrame, i)
		}

		nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2

		if off+nameLen+2 > len(data) {
			return nil, fmt.Errorf("%w: column %d overruns buffer", ErrCorruptFrame, i)
		}

		name := string(data[off : off+nameLen])
		off += nameLen

		typeCode := Type(data[off])
		isUnique := data[off+1] != 0
		off += 2

		if !typeCode.Valid() {
			return nil, fmt.Errorf("%w: column %q has unknown type code %q", ErrCorruptFrame, name, typeCode)
		}

		columns = append(columns, Column{Name: name, Type: typeCode, Unique: isUnique})
	}

	schema := &Schema{Columns: columns}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}

	return schema, nil
}

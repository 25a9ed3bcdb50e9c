// Package codec serializes typed rows to and from the self-describing
// frame format the log file stores, and the schema header format the
// schema file stores.
//
// A [Row] is a name-keyed map at the API boundary; internally, encoding
// and decoding walk the [Schema]'s column order so the wire format never
// needs field names.
package codec

import "fmt"

// Type identifies the type of a column's values. The byte value is the
// on-disk type_code from the schema header.
type Type byte

const (
	TypeString Type = 's'
	TypeInt    Type = 'i'
	TypeFloat  Type = 'f'
	TypeBytes  Type = 'b'
)

// String returns a human-readable name for t, used in error messages.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether t is one of the closed set of supported types.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBytes:
		return true
	default:
		return false
	}
}

// Column is one column of a table schema: a name, a type, and whether it
// participates in the table's unique key.
type Column struct {
	Name   string
	Type   Type
	Unique bool
}

// Value is a single typed column value. Exactly one field is meaningful,
// selected by Type.
type Value struct {
	Type  Type
	Str   string
	Int   int64
	Float float64
	Bytes []byte
}

// StringValue returns a string-typed [Value].
func StringValue(s string) Value { return Value{Type: TypeString, Str: s} }

// IntValue returns an int-typed [Value].
func IntValue(i int64) Value { return Value{Type: TypeInt, Int: i} }

// FloatValue returns a float-typed [Value].
func FloatValue(f float64) Value { return Value{Type: TypeFloat, Float: f} }

// BytesValue returns a bytes-typed [Value]. The slice is stored as given,
// not copied; callers should not mutate it afterward.
func BytesValue(b []byte) Value { return Value{Type: TypeBytes, Bytes: b} }

// Equal reports whether v and other have the same type and value, using
// the natural equality of the underlying type.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}

	switch v.Type {
	case TypeString:
		return v.Str == other.Str
	case TypeInt:
		return v.Int == other.Int
	case TypeFloat:
		return v.Float == other.Float
	case TypeBytes:
		return string(v.Bytes) == string(other.Bytes)
	default:
		return false
	}
}

// Row is a mapping from column name to value. Every column declared by
// the schema must be present for an insert or a full update merge;
// partial rows are rejected by [Encode].
type Row map[string]Value

package codec

import "errors"

// ErrSchemaViolation indicates a row is missing a declared column, has a
// value of the wrong type for its column, or (for a where/changes map)
// names a column the schema doesn't declare.
var ErrSchemaViolation = errors.New("codec: schema violation")

// ErrCorruptFrame indicates on-disk bytes did not parse as a valid frame
// or schema header: a length prefix overruns the buffer, the magic or
// version is wrong, or an inner field is truncated.
var ErrCorruptFrame = errors.New("codec: corrupt frame")

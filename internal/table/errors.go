package table

import "errors"

// ErrDuplicateKey indicates an insert or update would create a second
// live frame for a unique key that already has one (spec §4.5, §7).
var ErrDuplicateKey = errors.New("table: duplicate key")

// ErrNotFound indicates an update or delete had no matching row.
var ErrNotFound = errors.New("table: not found")

// ErrSchemaConflict indicates create_table was called against an
// existing table directory whose schema differs from the requested one.
var ErrSchemaConflict = errors.New("table: schema conflict")

// ErrIO wraps a filesystem-level failure outside the log file itself
// (creating the table directory, reading or writing schema.bin).
var ErrIO = errors.New("table: io error")

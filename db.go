// Package quixdb is an embedded, file-backed key-value/table store: a
// directory of independently locked tables, each an append-only log of
// typed rows with an in-memory primary index over its unique columns.
//
// See spec §1-§9 for the full design; this package implements the
// programmatic surface of §6: Open, CreateTable, Insert, Select,
// Update, Delete.
package quixdb

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/quixdb/quixdb/internal/codec"
	"github.com/quixdb/quixdb/internal/fs"
	"github.com/quixdb/quixdb/internal/table"
)

// Re-exported error taxonomy (spec §7), so callers only need to import
// this package and use errors.Is.
var (
	ErrSchemaViolation = codec.ErrSchemaViolation
	ErrCorruptFrame    = codec.ErrCorruptFrame
	ErrDuplicateKey    = table.ErrDuplicateKey
	ErrNotFound        = table.ErrNotFound
	ErrSchemaConflict  = table.ErrSchemaConflict
)

// Row is a name-keyed mapping of typed column values, used both to
// insert/update rows and to express where-clauses (column -> required
// equality value).
type Row = codec.Row

// Column declares one column of a table schema.
type Column = codec.Column

// Value is a single typed column value.
type Value = codec.Value

// ValueType identifies the type of a column's values.
type ValueType = codec.Type

// Re-exported value constructors and type tags, so callers don't need
// to import internal/codec directly.
var (
	StringValue = codec.StringValue
	IntValue    = codec.IntValue
	FloatValue  = codec.FloatValue
	BytesValue  = codec.BytesValue
)

const (
	TypeString = codec.TypeString
	TypeInt    = codec.TypeInt
	TypeFloat  = codec.TypeFloat
	TypeBytes  = codec.TypeBytes
)

// Database is a directory of tables. Each table is an independent unit
// of consistency (spec §5): operations on different tables never block
// each other beyond whatever contention the filesystem itself imposes.
type Database struct {
	fsys        fs.FS
	locker      *fs.Locker
	root        string
	lockTimeout time.Duration

	mu     sync.Mutex
	tables map[string]*table.Table
}

// Open opens or creates the database directory at root. Table
// directories under root are opened lazily, the first time they're
// referenced by CreateTable or an operation on an already-existing
// table. Operations wait indefinitely to acquire a table's lock; use
// [OpenWithTimeout] to bound that wait.
func Open(root string) (*Database, error) {
	return OpenWithTimeout(root, 0)
}

// OpenWithTimeout is like [Open], but bounds how long Insert, Select,
// Update, and Delete wait to acquire a table's filesystem lock before
// returning [fs.ErrWouldBlock] (Config.LockTimeout; spec §4.3). A
// non-positive lockTimeout means block indefinitely.
func OpenWithTimeout(root string, lockTimeout time.Duration) (*Database, error) {
	fsys := fs.NewReal()

	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("quixdb: opening database at %q: %w", root, err)
	}

	return &Database{
		fsys:        fsys,
		locker:      fs.NewLocker(fsys),
		root:        root,
		lockTimeout: lockTimeout,
		tables:      make(map[string]*table.Table),
	}, nil
}

// Close closes every table opened during this Database's lifetime.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var errs []error

	for name, tbl := range db.tables {
		if err := tbl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing table %q: %w", name, err))
		}
	}

	db.tables = make(map[string]*table.Table)

	return errors.Join(errs...)
}

func (db *Database) tableDir(name string) string {
	return filepath.Join(db.root, name)
}

// CreateTable idempotently creates a table named name with the given
// ordered columns; unique names the subset of column names that form
// the table's unique key (spec §6 create_table: "unique is a (possibly
// empty) subset of column names"). If the table already exists with a
// structurally different schema, it fails with [ErrSchemaConflict].
func (db *Database) CreateTable(name string, columns []Column, unique []string) error {
	declared := make(map[string]bool, len(columns))
	for _, col := range columns {
		declared[col.Name] = true
	}

	uniqueSet := make(map[string]bool, len(unique))

	for _, n := range unique {
		if !declared[n] {
			return fmt.Errorf("%w: unique column %q is not a declared column of table %q", ErrSchemaViolation, n, name)
		}

		uniqueSet[n] = true
	}

	withUnique := make([]Column, len(columns))
	for i, col := range columns {
		col.Unique = uniqueSet[col.Name]
		withUnique[i] = col
	}

	schema := codec.NewSchema(withUnique)

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.tables[name]; ok {
		// Already open in this process; CreateOrOpen's on-disk check still
		// runs implicitly because the schema was validated at first open.
		existing := db.tables[name].Schema()
		if !existing.Equal(schema) {
			return fmt.Errorf("%w: table %q is already open with a different schema", ErrSchemaConflict, name)
		}

		return nil
	}

	tbl, err := table.CreateOrOpen(db.fsys, db.locker, db.tableDir(name), schema, db.lockTimeout)
	if err != nil {
		return err
	}

	db.tables[name] = tbl

	return nil
}

// open returns the already-open table named name, opening it from disk
// on first reference. Fails if the table was never created.
func (db *Database) open(name string) (*table.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if tbl, ok := db.tables[name]; ok {
		return tbl, nil
	}

	tbl, err := table.Open(db.fsys, db.locker, db.tableDir(name), db.lockTimeout)
	if err != nil {
		return nil, err
	}

	db.tables[name] = tbl

	return tbl, nil
}

// Insert validates and appends row to table (spec §6 insert).
func (db *Database) Insert(tableName string, row Row) error {
	tbl, err := db.open(tableName)
	if err != nil {
		return err
	}

	return tbl.Insert(row)
}

// Select returns the first row in table matching where, or (nil, false,
// nil) if none matches (spec §6 select).
func (db *Database) Select(tableName string, where Row) (Row, bool, error) {
	tbl, err := db.open(tableName)
	if err != nil {
		return nil, false, err
	}

	return tbl.Select(where)
}

// Update merges changes into the row matching where and durably
// replaces it (spec §6 update).
func (db *Database) Update(tableName string, where Row, changes Row) error {
	tbl, err := db.open(tableName)
	if err != nil {
		return err
	}

	return tbl.Update(where, changes)
}

// Delete tombstones the row matching where (spec §6 delete).
func (db *Database) Delete(tableName string, where Row) error {
	tbl, err := db.open(tableName)
	if err != nil {
		return err
	}

	return tbl.Delete(where)
}

// ListTables returns the names of table subdirectories under the
// database root, sorted by name. This is a read-only,
// lock-free directory scan — a convenience carried forward from the
// original implementation's directory-of-shards listing (see
// SPEC_FULL.md's Supplemented Features), not part of the core §4/§6
// contract.
func (db *Database) ListTables() ([]string, error) {
	entries, err := db.fsys.ReadDir(db.root)
	if err != nil {
		return nil, fmt.Errorf("quixdb: listing tables in %q: %w", db.root, err)
	}

	var names []string

	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// Count returns the number of currently-live rows in table. For tables
// with unique columns this counts the index's alive entries under a
// shared lock, without reading the log; for tables without unique
// columns it requires a full scan
// (spec §4.4: "the index is empty" for such tables).
func (db *Database) Count(tableName string) (int, error) {
	tbl, err := db.open(tableName)
	if err != nil {
		return 0, err
	}

	return tbl.Count()
}

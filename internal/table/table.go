// Package table implements the table engine (spec §4.5): insert,
// select, update, and delete, composed from the codec, log, index, and
// locking layers beneath it.
package table

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quixdb/quixdb/internal/codec"
	"github.com/quixdb/quixdb/internal/fs"
	"github.com/quixdb/quixdb/internal/index"
	"github.com/quixdb/quixdb/internal/rowlog"
)

// Table is one open table: its schema, its append-only log, its
// in-memory primary index, and the two-layer lock that serializes
// access to both.
//
// A Table's exported methods are safe for concurrent use by multiple
// goroutines. They are also safe for concurrent use across processes:
// every lock acquisition reconciles the in-memory index against the
// log's current size, so a table opened by a second process observes
// the first process's committed writes as soon as it next acquires the
// table's lock (spec §5).
type Table struct {
	fsys        fs.FS
	locker      *fs.Locker
	dir         string
	schema      *codec.Schema
	lockTimeout time.Duration

	log *rowlog.Log

	// idxMu guards idx and idxSize. They can be swapped out by
	// reconcileIndex from either a reader or a writer holding only the
	// table's shared lock, independently of mu below, so they need their
	// own synchronization distinct from the read/write distinction mu
	// makes.
	idxMu   sync.Mutex
	idx     *index.Index
	idxSize int64

	// mu is the in-process layer of the two-layer lock (spec §4.3): it
	// serializes goroutines in this process before the filesystem lock
	// ever comes into play.
	mu sync.RWMutex
}

// CreateOrOpen idempotently creates the table directory at dir with the
// given schema, or opens it if it already exists. If the existing
// schema differs structurally from schema, it fails with
// [ErrSchemaConflict] (spec §6 create_table). lockTimeout bounds how
// long subsequent operations wait to acquire the table's filesystem
// lock; zero means block indefinitely (spec §4.3's default).
func CreateOrOpen(fsys fs.FS, locker *fs.Locker, dir string, schema *codec.Schema, lockTimeout time.Duration) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating table directory %q: %w", ErrIO, dir, err)
	}

	existing, exists, err := readSchema(fsys, dir)
	if err != nil {
		return nil, err
	}

	if exists {
		if !existing.Equal(schema) {
			return nil, fmt.Errorf("%w: table %q already exists with a different schema", ErrSchemaConflict, dir)
		}
	} else if err := writeSchemaAtomic(fsys, dir, schema); err != nil {
		return nil, err
	}

	return open(fsys, locker, dir, schema, lockTimeout)
}

// Open opens an already-created table directory, reading its schema
// from schema.bin. It fails if dir has no schema.bin. See [CreateOrOpen]
// for lockTimeout.
func Open(fsys fs.FS, locker *fs.Locker, dir string, lockTimeout time.Duration) (*Table, error) {
	schema, exists, err := readSchema(fsys, dir)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("%w: %q has no schema.bin", ErrIO, dir)
	}

	return open(fsys, locker, dir, schema, lockTimeout)
}

func open(fsys fs.FS, locker *fs.Locker, dir string, schema *codec.Schema, lockTimeout time.Duration) (*Table, error) {
	log, err := rowlog.Open(fsys, logPath(dir))
	if err != nil {
		return nil, err
	}

	idx, err := index.Rebuild(log, schema)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	size, err := log.Size()
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	return &Table{
		fsys:        fsys,
		locker:      locker,
		dir:         dir,
		schema:      schema,
		lockTimeout: lockTimeout,
		log:         log,
		idx:         idx,
		idxSize:     size,
	}, nil
}

// Close releases the table's log file handle.
func (t *Table) Close() error {
	return t.log.Close()
}

// Schema returns the table's schema.
func (t *Table) Schema() *codec.Schema {
	return t.schema
}

// Count returns the number of currently-live rows. For keyed tables
// this reads the index's alive count under a shared lock; for tables
// with no unique columns the index stays empty (spec §4.4), so this
// falls back to a full scan counting live frames.
func (t *Table) Count() (int, error) {
	lk, err := t.lockRead()
	if err != nil {
		return 0, err
	}
	defer t.unlockRead(lk)

	if t.keyed() {
		return t.indexAliveCount(), nil
	}

	n := 0

	err = t.log.Scan(func(fr rowlog.Frame) error {
		if fr.Tombstone == codec.TombstoneLive {
			n++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

// Insert validates row against the schema and appends it as a new live
// frame (spec §4.5 insert). Fails with [codec.ErrSchemaViolation] if row
// doesn't match the schema, or [ErrDuplicateKey] if the table has unique
// columns and an alive entry already exists for row's key tuple.
func (t *Table) Insert(row codec.Row) error {
	frame, err := codec.Encode(t.schema, row)
	if err != nil {
		return err
	}

	var key string
	if t.keyed() {
		key, err = codec.EncodeKeyTuple(t.schema, row)
		if err != nil {
			return err
		}
	}

	lk, err := t.lockWrite()
	if err != nil {
		return err
	}
	defer t.unlockWrite(lk)

	if t.keyed() {
		if entry, ok := t.indexLookup(key); ok && entry.Alive {
			return ErrDuplicateKey
		}
	}

	offset, err := t.log.Append(frame)
	if err != nil {
		return err
	}

	if t.keyed() {
		t.indexSet(key, index.Entry{Offset: offset, Length: int64(len(frame)), Alive: true})
	}

	return nil
}

// Select returns the first live row matching where (an AND of
// column-equality clauses), in log order, using the index fast path
// when where specifies every unique column (spec §4.5 select).
func (t *Table) Select(where codec.Row) (codec.Row, bool, error) {
	lk, err := t.lockRead()
	if err != nil {
		return nil, false, err
	}
	defer t.unlockRead(lk)

	row, _, _, found, err := t.locate(where)
	if err != nil {
		return nil, false, err
	}

	return row, found, nil
}

// Update locates the row matching where, merges changes over it
// (changes overriding), and durably replaces it: the new frame is
// appended and fsynced before the old frame is tombstoned, so that a
// crash between the two leaves both visible and recovery keeps the
// later (new) offset (spec §4.5 update, §8 scenario S4). Fails with
// [ErrNotFound] if no row matches where, or [ErrDuplicateKey] if the
// merged row's unique key collides with a different live row.
func (t *Table) Update(where codec.Row, changes codec.Row) error {
	lk, err := t.lockWrite()
	if err != nil {
		return err
	}
	defer t.unlockWrite(lk)

	oldRow, oldOffset, _, found, err := t.locate(where)
	if err != nil {
		return err
	}

	if !found {
		return ErrNotFound
	}

	newRow := make(codec.Row, len(oldRow))
	for k, v := range oldRow {
		newRow[k] = v
	}

	for k, v := range changes {
		newRow[k] = v
	}

	frame, err := codec.Encode(t.schema, newRow)
	if err != nil {
		return err
	}

	var oldKey, newKey string
	var renamed bool

	if t.keyed() {
		oldKey, err = codec.EncodeKeyTuple(t.schema, oldRow)
		if err != nil {
			return err
		}

		newKey, err = codec.EncodeKeyTuple(t.schema, newRow)
		if err != nil {
			return err
		}

		renamed = newKey != oldKey

		if renamed {
			if entry, ok := t.indexLookup(newKey); ok && entry.Alive {
				return ErrDuplicateKey
			}
		}
	}

	newOffset, err := t.log.Append(frame)
	if err != nil {
		return err
	}

	if err := t.log.MarkDeleted(oldOffset); err != nil {
		// The new frame is already live on disk; the old one remains live
		// too. The in-memory index is not updated here, but the append
		// changed the log's size, so the next lock acquisition's
		// reconcileIndex rebuilds it, and the rebuild keeps the later
		// offset as the key's live frame. Propagate the I/O error as the
		// engine never retries I/O itself (spec §7).
		return err
	}

	if t.keyed() {
		t.indexSet(newKey, index.Entry{Offset: newOffset, Length: int64(len(frame)), Alive: true})

		if renamed {
			t.indexSet(oldKey, index.Entry{Offset: oldOffset, Alive: false})
		}
	}

	return nil
}

// Delete locates the row matching where and tombstones it (spec §4.5
// delete). Fails with [ErrNotFound] if no row matches.
func (t *Table) Delete(where codec.Row) error {
	lk, err := t.lockWrite()
	if err != nil {
		return err
	}
	defer t.unlockWrite(lk)

	row, offset, _, found, err := t.locate(where)
	if err != nil {
		return err
	}

	if !found {
		return ErrNotFound
	}

	if err := t.log.MarkDeleted(offset); err != nil {
		return err
	}

	if t.keyed() {
		key, err := codec.EncodeKeyTuple(t.schema, row)
		if err != nil {
			return err
		}

		if entry, ok := t.indexLookup(key); ok {
			entry.Alive = false
			t.indexSet(key, entry)
		}
	}

	return nil
}

// errStopScan is an internal sentinel used to abort [rowlog.Log.Scan]
// early once locate's slow path finds its match.
var errStopScan = errors.New("table: stop scan")

// locate finds the first live row matching where, using the index when
// where covers every unique column and a linear scan otherwise. Callers
// must hold at least a read lock. A (nil, 0, 0, false, nil) result means
// no row matched; it is not an error.
func (t *Table) locate(where codec.Row) (row codec.Row, offset int64, length int64, found bool, err error) {
	if err := validateWhere(t.schema, where); err != nil {
		return nil, 0, 0, false, err
	}

	if t.keyed() && coversAllUniqueColumns(t.schema, where) {
		return t.locateByIndex(where)
	}

	return t.locateByScan(where)
}

func (t *Table) locateByIndex(where codec.Row) (codec.Row, int64, int64, bool, error) {
	key, err := codec.EncodeKeyTuple(t.schema, where)
	if err != nil {
		return nil, 0, 0, false, err
	}

	entry, ok := t.indexLookup(key)
	if !ok || !entry.Alive {
		return nil, 0, 0, false, nil
	}

	tombstone, payload, err := t.log.ReadAt(entry.Offset)
	if err != nil {
		return nil, 0, 0, false, err
	}

	if tombstone != codec.TombstoneLive {
		return nil, 0, 0, false, nil
	}

	decoded, err := codec.Decode(t.schema, payload)
	if err != nil {
		return nil, 0, 0, false, err
	}

	if !matchesWhere(where, decoded) {
		return nil, 0, 0, false, nil
	}

	return decoded, entry.Offset, entry.Length, true, nil
}

func (t *Table) locateByScan(where codec.Row) (codec.Row, int64, int64, bool, error) {
	var (
		result       codec.Row
		resultOffset int64
		resultLength int64
		found        bool
	)

	err := t.log.Scan(func(fr rowlog.Frame) error {
		if fr.Tombstone != codec.TombstoneLive {
			return nil
		}

		decoded, err := codec.Decode(t.schema, fr.Payload)
		if err != nil {
			return err
		}

		if !matchesWhere(where, decoded) {
			return nil
		}

		result = decoded
		resultOffset = fr.Offset
		resultLength = int64(codec.FrameHeaderSize) + int64(len(fr.Payload))
		found = true

		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, 0, 0, false, err
	}

	return result, resultOffset, resultLength, found, nil
}

// validateWhere rejects where clauses naming an undeclared column or a
// value of the wrong type for its column (spec §7 SchemaViolation).
func validateWhere(schema *codec.Schema, where codec.Row) error {
	for name, val := range where {
		i, ok := schema.ColumnIndex(name)
		if !ok {
			return fmt.Errorf("%w: where clause references unknown column %q", codec.ErrSchemaViolation, name)
		}

		col := schema.Columns[i]
		if val.Type != col.Type {
			return fmt.Errorf("%w: where clause on column %q: want type %s, got %s", codec.ErrSchemaViolation, name, col.Type, val.Type)
		}
	}

	return nil
}

// coversAllUniqueColumns reports whether where supplies a value for
// every column in schema's unique key, enabling the index fast path.
func coversAllUniqueColumns(schema *codec.Schema, where codec.Row) bool {
	for _, col := range schema.UniqueColumns() {
		if _, ok := where[col.Name]; !ok {
			return false
		}
	}

	return true
}

// matchesWhere reports whether row satisfies every clause in where.
func matchesWhere(where codec.Row, row codec.Row) bool {
	for name, val := range where {
		if !row[name].Equal(val) {
			return false
		}
	}

	return true
}

// lockWrite acquires the table's lock for a writer: the in-process
// exclusive lock outer, then the cross-process exclusive flock inner
// (spec §4.3), then reconciles the in-memory index against the log's
// current size so this writer sees every other process's committed
// writes before it reads or mutates anything.
func (t *Table) lockWrite() (*fs.Lock, error) {
	t.mu.Lock()

	lk, err := t.acquireFSLock(true)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	if err := t.reconcileIndex(); err != nil {
		_ = lk.Close()
		t.mu.Unlock()
		return nil, err
	}

	return lk, nil
}

// unlockWrite releases in the reverse order: filesystem lock first,
// then the in-process lock.
func (t *Table) unlockWrite(lk *fs.Lock) {
	_ = lk.Close()
	t.mu.Unlock()
}

// lockRead acquires the table's lock for a reader: the in-process
// shared lock outer, then the cross-process shared flock inner, then
// reconciles the index exactly as [Table.lockWrite] does.
func (t *Table) lockRead() (*fs.Lock, error) {
	t.mu.RLock()

	lk, err := t.acquireFSLock(false)
	if err != nil {
		t.mu.RUnlock()
		return nil, err
	}

	if err := t.reconcileIndex(); err != nil {
		_ = lk.Close()
		t.mu.RUnlock()
		return nil, err
	}

	return lk, nil
}

// unlockRead releases in the reverse order: filesystem lock first, then
// the in-process lock.
func (t *Table) unlockRead(lk *fs.Lock) {
	_ = lk.Close()
	t.mu.RUnlock()
}

// acquireFSLock acquires the cross-process flock on the table's lock
// file, blocking indefinitely if lockTimeout is zero (spec §4.3's
// default) or bounding the wait by lockTimeout otherwise.
func (t *Table) acquireFSLock(exclusive bool) (*fs.Lock, error) {
	path := lockPath(t.dir)

	var (
		lk  *fs.Lock
		err error
	)

	switch {
	case t.lockTimeout > 0 && exclusive:
		lk, err = t.locker.LockWithTimeout(path, t.lockTimeout)
	case t.lockTimeout > 0 && !exclusive:
		lk, err = t.locker.RLockWithTimeout(path, t.lockTimeout)
	case exclusive:
		lk, err = t.locker.Lock(path)
	default:
		lk, err = t.locker.RLock(path)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: acquiring lock on %q: %w", ErrIO, t.dir, err)
	}

	return lk, nil
}

// reconcileIndex rebuilds the in-memory index from the log whenever the
// log's size no longer matches what it was the last time this process
// rebuilt it — meaning another process appended or tombstoned frames
// since. Callers must already hold the table's filesystem lock: the
// stat this compares against is only meaningful because flock
// serializes against whichever process held the lock immediately
// before us (spec §5; grounded on the original implementation's
// mtime-based `_invalidate_cache_if_needed`).
func (t *Table) reconcileIndex() error {
	size, err := t.log.Size()
	if err != nil {
		return err
	}

	t.idxMu.Lock()
	defer t.idxMu.Unlock()

	if size == t.idxSize {
		return nil
	}

	idx, err := index.Rebuild(t.log, t.schema)
	if err != nil {
		return err
	}

	t.idx = idx
	t.idxSize = size

	return nil
}

// keyed reports whether the table has unique columns and therefore an
// index fast path. Safe to call without idxMu: it only reads the
// schema, which never changes after open.
func (t *Table) keyed() bool {
	return len(t.schema.UniqueColumns()) > 0
}

func (t *Table) indexLookup(key string) (index.Entry, bool) {
	t.idxMu.Lock()
	defer t.idxMu.Unlock()

	return t.idx.Lookup(key)
}

func (t *Table) indexSet(key string, e index.Entry) {
	t.idxMu.Lock()
	defer t.idxMu.Unlock()

	t.idx.Set(key, e)
}

func (t *Table) indexAliveCount() int {
	t.idxMu.Lock()
	defer t.idxMu.Unlock()

	return t.idx.AliveCount()
}

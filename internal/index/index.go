// Package index implements the in-memory primary index: a mapping from a
// table's unique-key tuples to the offset and liveness of their latest
// frame (spec §4.4).
package index

import (
	"errors"
	"fmt"

	"github.com/quixdb/quixdb/internal/codec"
	"github.com/quixdb/quixdb/internal/rowlog"
)

// ErrCorruptLog indicates a frame in the middle of the log (not at the
// torn tail) failed to decode. This is fatal to opening the table; the
// caller decides whether to invoke a repair tool.
var ErrCorruptLog = errors.New("index: corrupt log")

// Entry is the index's record for one unique key: where its latest
// frame lives and whether that frame is still live.
type Entry struct {
	Offset int64
	Length int64
	Alive  bool
}

// Index maps unique-key tuples (as produced by [codec.EncodeKeyTuple]) to
// their latest [Entry]. It has no internal synchronization: callers (the
// table engine) must only mutate or read it while holding the
// appropriate table-level lock, matching the log file's concurrency
// contract.
type Index struct {
	schema  *codec.Schema
	entries map[string]Entry
}

// New returns an empty index for schema. If schema declares no unique
// columns, the returned index is never populated by [Rebuild]; callers
// should recognize this case (via [Index.Keyed]) and fall back to a full
// scan for select/insert/update/delete.
func New(schema *codec.Schema) *Index {
	return &Index{schema: schema, entries: make(map[string]Entry)}
}

// Keyed reports whether the table has unique columns and therefore an
// index fast path.
func (ix *Index) Keyed() bool {
	return len(ix.schema.UniqueColumns()) > 0
}

// Lookup returns the entry for key and whether it exists.
func (ix *Index) Lookup(key string) (Entry, bool) {
	e, ok := ix.entries[key]
	return e, ok
}

// Set records e as the current entry for key, replacing any prior entry.
func (ix *Index) Set(key string, e Entry) {
	ix.entries[key] = e
}

// Len returns the number of keys the index has ever seen (alive or dead).
func (ix *Index) Len() int {
	return len(ix.entries)
}

// AliveCount returns the number of keys currently alive.
func (ix *Index) AliveCount() int {
	n := 0

	for _, e := range ix.entries {
		if e.Alive {
			n++
		}
	}

	return n
}

// Snapshot returns a copy of the index's entries, so index state can be
// compared (for example before and after a reopen) without sharing the
// live map.
func (ix *Index) Snapshot() map[string]Entry {
	out := make(map[string]Entry, len(ix.entries))
	for k, v := range ix.entries {
		out[k] = v
	}

	return out
}

// Rebuild repopulates ix from a single linear scan of log, per §4.4:
//
//   - For each live frame, set the index entry for its key to that
//     frame's offset/length and alive=true.
//   - For each tombstoned frame whose key currently points at that same
//     offset, set alive=false. A tombstone at an offset the index no
//     longer points at refers to a superseded frame and is ignored.
//
// Because frames are visited in write order, later frames for the same
// key always overwrite earlier ones. If the table has no unique columns,
// Rebuild does nothing (the index stays empty, by design: §4.4).
func Rebuild(log *rowlog.Log, schema *codec.Schema) (*Index, error) {
	ix := New(schema)

	if !ix.Keyed() {
		return ix, nil
	}

	err := log.Scan(func(fr rowlog.Frame) error {
		row, err := codec.Decode(schema, fr.Payload)
		if err != nil {
			return fmt.Errorf("%w: frame at offset %d: %w", ErrCorruptLog, fr.Offset, err)
		}

		key, err := codec.EncodeKeyTuple(schema, row)
		if err != nil {
			return fmt.Errorf("%w: frame at offset %d: %w", ErrCorruptLog, fr.Offset, err)
		}

		total := int64(codec.FrameHeaderSize) + int64(len(fr.Payload))

		switch fr.Tombstone {
		case codec.TombstoneLive:
			ix.Set(key, Entry{Offset: fr.Offset, Length: total, Alive: true})
		case codec.TombstoneDeleted:
			if cur, ok := ix.Lookup(key); ok && cur.Offset == fr.Offset {
				cur.Alive = false
				ix.Set(key, cur)
			}
		default:
			return fmt.Errorf("%w: frame at offset %d has invalid tombstone byte %d", ErrCorruptLog, fr.Offset, fr.Tombstone)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ix, nil
}

// Package rowlog implements the append-only per-table data log: the sole
// source of truth on disk for a table's rows (spec §4.2).
package rowlog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/quixdb/quixdb/internal/codec"
	"github.com/quixdb/quixdb/internal/fs"
)

// ErrIO wraps a filesystem-level failure during a log operation
// (permission, disk full, fsync failure). Check with errors.Is(err, ErrIO).
var ErrIO = errors.New("rowlog: io error")

// Log is an append-only file of framed rows. Appends and tombstone
// writes go through a dedicated read-write handle; reads (ReadAt, Scan)
// open independent file descriptors so concurrent readers never share a
// file offset with each other or with the writer.
//
// Log has no internal locking: callers (the table engine) are
// responsible for serializing writes under the table's exclusive lock
// and for only reading while holding at least a shared lock, per §4.3.
type Log struct {
	fsys fs.FS
	path string
	w    fs.File
}

// Open opens (creating if necessary) the log file at path.
func Open(fsys fs.FS, path string) (*Log, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log %q: %w", ErrIO, path, err)
	}

	return &Log{fsys: fsys, path: path, w: f}, nil
}

// Close releases the log's write handle. It does not affect file
// descriptors opened by concurrent ReadAt/Scan calls.
func (l *Log) Close() error {
	if err := l.w.Close(); err != nil {
		return fmt.Errorf("%w: closing log %q: %w", ErrIO, l.path, err)
	}

	return nil
}

// Size returns the log file's current size, as seen by a fresh stat
// independent of the write handle's own offset. Callers use this to
// detect appends or tombstones committed by another process holding
// the same table's filesystem lock (spec §5), since this process's
// cached write offset says nothing about writes it didn't make.
func (l *Log) Size() (int64, error) {
	info, err := l.fsys.Stat(l.path)
	if err != nil {
		return 0, fmt.Errorf("%w: statting log %q: %w", ErrIO, l.path, err)
	}

	return info.Size(), nil
}

// Append writes frame to the end of the log in a single Write call,
// flushes, and fsyncs before returning. The returned offset is where the
// frame begins. A returned error means the append did not durably
// commit; at most a torn frame may have been left at the tail, which
// [Log.Scan] discards on the next open.
func (l *Log) Append(frame []byte) (int64, error) {
	offset, err := l.w.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: seeking to end of log %q: %w", ErrIO, l.path, err)
	}

	n, err := l.w.Write(frame)
	if err != nil {
		return 0, fmt.Errorf("%w: appending to log %q: %w", ErrIO, l.path, err)
	}

	if n != len(frame) {
		return 0, fmt.Errorf("%w: short write to log %q: wrote %d of %d bytes", ErrIO, l.path, n, len(frame))
	}

	if err := l.w.Sync(); err != nil {
		return 0, fmt.Errorf("%w: fsyncing log %q: %w", ErrIO, l.path, err)
	}

	return offset, nil
}

// MarkDeleted flips the tombstone byte of the frame at offset to
// "deleted", flushes, and fsyncs before returning. A returned error means
// the tombstone write did not durably commit; the frame remains live as
// far as any reader can tell.
func (l *Log) MarkDeleted(offset int64) error {
	if _, err := l.w.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seeking to offset %d in log %q: %w", ErrIO, offset, l.path, err)
	}

	n, err := l.w.Write([]byte{codec.TombstoneDeleted})
	if err != nil {
		return fmt.Errorf("%w: writing tombstone at offset %d in log %q: %w", ErrIO, offset, l.path, err)
	}

	if n != 1 {
		return fmt.Errorf("%w: short tombstone write at offset %d in log %q", ErrIO, offset, l.path)
	}

	if err := l.w.Sync(); err != nil {
		return fmt.Errorf("%w: fsyncing tombstone at offset %d in log %q: %w", ErrIO, offset, l.path, err)
	}

	return nil
}

// ReadAt reads the frame beginning at offset using a fresh file
// descriptor independent of the write handle and of any concurrent
// ReadAt/Scan call. Fails with [codec.ErrCorruptFrame] if the header is
// invalid or the payload is truncated.
func (l *Log) ReadAt(offset int64) (tombstone byte, payload []byte, err error) {
	f, err := l.fsys.Open(l.path)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: opening log %q for read: %w", ErrIO, l.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, nil, fmt.Errorf("%w: seeking to offset %d in log %q: %w", ErrIO, offset, l.path, err)
	}

	header := make([]byte, codec.FrameHeaderSize)

	if _, err := io.ReadFull(f, header); err != nil {
		return 0, nil, fmt.Errorf("%w: reading frame header at offset %d: %w", codec.ErrCorruptFrame, offset, err)
	}

	tombstone, totalLength, err := codec.PeekHeader(header)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: at offset %d: %w", codec.ErrCorruptFrame, offset, err)
	}

	payload = make([]byte, totalLength-codec.FrameHeaderSize)

	if _, err := io.ReadFull(f, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: reading frame payload at offset %d: %w", codec.ErrCorruptFrame, offset, err)
	}

	return tombstone, payload, nil
}

// Frame is one record yielded by [Log.Scan].
type Frame struct {
	Offset    int64
	Tombstone byte
	Payload   []byte
}

// Scan reads every frame from offset 0 using a fresh file descriptor,
// calling fn for each. On a short read at the tail — a torn header or a
// torn payload left by an interrupted append — Scan stops silently
// without calling fn again: this is the recovery boundary for a crashed
// append (spec §4.2, §8 property 4). A short read anywhere that isn't at
// the true end of file still can't be distinguished from a torn tail by
// Scan alone, which is the intended, documented recovery behavior.
//
// If fn returns an error, Scan stops and returns it unwrapped so the
// caller (the primary index builder) can distinguish "torn tail" (nil)
// from "bad frame in the middle of the log" (fn's error, typically
// ErrCorruptLog upstream).
func (l *Log) Scan(fn func(Frame) error) error {
	f, err := l.fsys.Open(l.path)
	if err != nil {
		return fmt.Errorf("%w: opening log %q for scan: %w", ErrIO, l.path, err)
	}
	defer f.Close()

	var offset int64

	for {
		header := make([]byte, codec.FrameHeaderSize)

		_, err := io.ReadFull(f, header)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}

			return fmt.Errorf("%w: reading frame header at offset %d: %w", ErrIO, offset, err)
		}

		tombstone, totalLength, err := codec.PeekHeader(header)
		if err != nil {
			return fmt.Errorf("%w: at offset %d: %w", ErrIO, offset, err)
		}

		payload := make([]byte, totalLength-codec.FrameHeaderSize)

		_, err = io.ReadFull(f, payload)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}

			return fmt.Errorf("%w: reading frame payload at offset %d: %w", ErrIO, offset, err)
		}

		if err := fn(Frame{Offset: offset, Tombstone: tombstone, Payload: payload}); err != nil {
			return err
		}

		offset += int64(totalLength)
	}
}

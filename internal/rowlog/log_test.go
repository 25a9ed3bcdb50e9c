package rowlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quixdb/quixdb/internal/codec"
	"github.com/quixdb/quixdb/internal/fs"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.dat")

	l, err := Open(fs.NewReal(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = l.Close() })

	return l, path
}

func frameFor(t *testing.T, s int64, name string) []byte {
	t.Helper()

	schema := codec.NewSchema([]codec.Column{
		{Name: "id", Type: codec.TypeInt, Unique: true},
		{Name: "name", Type: codec.TypeString},
	})

	frame, err := codec.Encode(schema, codec.Row{"id": codec.IntValue(s), "name": codec.StringValue(name)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	return frame
}

func Test_Log_Append_ReturnsSequentialOffsets(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)

	f1 := frameFor(t, 1, "a")
	f2 := frameFor(t, 2, "bb")

	off1, err := l.Append(f1)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if off1 != 0 {
		t.Fatalf("first offset = %d, want 0", off1)
	}

	off2, err := l.Append(f2)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if off2 != int64(len(f1)) {
		t.Fatalf("second offset = %d, want %d", off2, len(f1))
	}
}

func Test_Log_ReadAt_ReturnsAppendedFrame(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	frame := frameFor(t, 7, "hello")

	offset, err := l.Append(frame)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	tombstone, payload, err := l.ReadAt(offset)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if tombstone != codec.TombstoneLive {
		t.Fatalf("tombstone = %d, want live", tombstone)
	}

	if string(payload) != string(frame[codec.FrameHeaderSize:]) {
		t.Fatalf("payload mismatch")
	}
}

func Test_Log_MarkDeleted_FlipsTombstone(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	frame := frameFor(t, 1, "a")

	offset, err := l.Append(frame)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.MarkDeleted(offset); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	tombstone, _, err := l.ReadAt(offset)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if tombstone != codec.TombstoneDeleted {
		t.Fatalf("tombstone = %d, want deleted", tombstone)
	}
}

func Test_Log_Scan_VisitsFramesInWriteOrder(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)

	frames := [][]byte{frameFor(t, 1, "a"), frameFor(t, 2, "b"), frameFor(t, 3, "c")}
	for _, f := range frames {
		if _, err := l.Append(f); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got []Frame

	err := l.Scan(func(fr Frame) error {
		got = append(got, fr)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("scanned %d frames, want 3", len(got))
	}

	for i, fr := range got {
		if string(fr.Payload) != string(frames[i][codec.FrameHeaderSize:]) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

func Test_Log_Scan_StopsSilentlyOnTornHeader(t *testing.T) {
	t.Parallel()

	l, path := openTestLog(t)

	full := frameFor(t, 1, "a")
	if _, err := l.Append(full); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Simulate a crash mid-append: append only part of a frame header.
	secondHeader := frameFor(t, 2, "b")[:codec.FrameHeaderSize-2]

	appendTornBytes(t, path, secondHeader)

	var got []Frame

	err := l.Scan(func(fr Frame) error {
		got = append(got, fr)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("scanned %d frames, want 1 (torn tail must be invisible)", len(got))
	}
}

func Test_Log_Scan_StopsSilentlyOnTruncatedPayload(t *testing.T) {
	t.Parallel()

	l, path := openTestLog(t)

	f1 := frameFor(t, 1, "a")
	f2 := frameFor(t, 2, "longer-name-to-truncate")

	if _, err := l.Append(f1); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := l.Append(f2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Truncate by a few bytes, as if the process died mid-write of the
	// second frame's payload (spec §8 scenario S5).
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if err := os.Truncate(path, info.Size()-7); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	var got []Frame

	err = l.Scan(func(fr Frame) error {
		got = append(got, fr)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("scanned %d frames, want 1 (torn frame discarded, earlier frame intact)", len(got))
	}

	if string(got[0].Payload) != string(f1[codec.FrameHeaderSize:]) {
		t.Fatalf("first frame corrupted by truncation of the second")
	}
}

func Test_Log_Scan_PropagatesCallbackError(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)

	if _, err := l.Append(frameFor(t, 1, "a")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sentinel := errors.New("bad frame")

	err := l.Scan(func(Frame) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel to propagate unwrapped", err)
	}
}

func appendTornBytes(t *testing.T, path string, b []byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

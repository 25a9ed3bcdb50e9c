package table

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/quixdb/quixdb/internal/codec"
	"github.com/quixdb/quixdb/internal/fs"
)

func usersSchema() *codec.Schema {
	return codec.NewSchema([]codec.Column{
		{Name: "Email", Type: codec.TypeString, Unique: true},
		{Name: "Name", Type: codec.TypeString},
	})
}

func openTestTable(t *testing.T, schema *codec.Schema) *Table {
	t.Helper()

	fsys := fs.NewReal()
	locker := fs.NewLocker(fsys)
	dir := filepath.Join(t.TempDir(), "users")

	tbl, err := CreateOrOpen(fsys, locker, dir, schema, 0)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	t.Cleanup(func() { _ = tbl.Close() })

	return tbl
}

// Test_Scenario_S1_UniqueReject grounds spec §8 scenario S1.
func Test_Scenario_S1_UniqueReject(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t, usersSchema())

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("a@x"), "Name": codec.StringValue("A")}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err := tbl.Insert(codec.Row{"Email": codec.StringValue("a@x"), "Name": codec.StringValue("B")})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second insert err = %v, want ErrDuplicateKey", err)
	}

	row, found, err := tbl.Select(codec.Row{"Email": codec.StringValue("a@x")})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	if !found || row["Name"].Str != "A" {
		t.Fatalf("row = %+v, found = %v; want Name=A", row, found)
	}
}

// Test_Scenario_S2_UpdateRenamesKey grounds spec §8 scenario S2.
func Test_Scenario_S2_UpdateRenamesKey(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t, usersSchema())

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("a@x"), "Name": codec.StringValue("A")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := tbl.Update(
		codec.Row{"Email": codec.StringValue("a@x")},
		codec.Row{"Email": codec.StringValue("b@x")},
	)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, found, err := tbl.Select(codec.Row{"Email": codec.StringValue("a@x")})
	if err != nil {
		t.Fatalf("Select old key: %v", err)
	}

	if found {
		t.Fatalf("old key still found after rename")
	}

	row, found, err := tbl.Select(codec.Row{"Email": codec.StringValue("b@x")})
	if err != nil {
		t.Fatalf("Select new key: %v", err)
	}

	if !found || row["Name"].Str != "A" {
		t.Fatalf("row = %+v, found = %v; want Email=b@x Name=A", row, found)
	}
}

// Test_Scenario_S3_DeleteThenReinsert grounds spec §8 scenario S3.
func Test_Scenario_S3_DeleteThenReinsert(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t, usersSchema())

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("b@x"), "Name": codec.StringValue("A")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := tbl.Delete(codec.Row{"Email": codec.StringValue("b@x")}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("b@x"), "Name": codec.StringValue("C")}); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	row, found, err := tbl.Select(codec.Row{"Email": codec.StringValue("b@x")})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	if !found || row["Name"].Str != "C" {
		t.Fatalf("row = %+v, found = %v; want Name=C", row, found)
	}
}

// Test_Scenario_S4_CrashMidUpdate grounds spec §8 scenario S4: a crash
// between the new frame's append and the old frame's tombstone leaves
// both live on disk, but the index rebuild on reopen keeps the later
// offset, and no duplicate is reported.
func Test_Scenario_S4_CrashMidUpdate(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	locker := fs.NewLocker(fsys)
	dir := filepath.Join(t.TempDir(), "users")
	schema := usersSchema()

	tbl, err := CreateOrOpen(fsys, locker, dir, schema, 0)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("b@x"), "Name": codec.StringValue("C")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Simulate the crash directly: append the new frame for the same key
	// without tombstoning the old one (skip straight to the log, as an
	// interrupted Update would leave things).
	frame, err := codec.Encode(schema, codec.Row{"Email": codec.StringValue("b@x"), "Name": codec.StringValue("C2")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := tbl.log.Append(frame); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := tbl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(fsys, locker, dir, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	row, found, err := reopened.Select(codec.Row{"Email": codec.StringValue("b@x")})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	if !found || row["Name"].Str != "C2" {
		t.Fatalf("row = %+v, found = %v; want the newer frame (Name=C2), no duplicate reported", row, found)
	}
}

// Test_Scenario_S5_TornAppend grounds spec §8 scenario S5.
func Test_Scenario_S5_TornAppend(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	locker := fs.NewLocker(fsys)
	dir := filepath.Join(t.TempDir(), "users")
	schema := usersSchema()

	tbl, err := CreateOrOpen(fsys, locker, dir, schema, 0)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("a@x"), "Name": codec.StringValue("A")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("b@x"), "Name": codec.StringValue("B")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := tbl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := fsys.Stat(logPath(dir))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if err := os.Truncate(logPath(dir), info.Size()-7); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	reopened, err := Open(fsys, locker, dir, 0)
	if err != nil {
		t.Fatalf("Open after torn tail: %v", err)
	}
	defer reopened.Close()

	row, found, err := reopened.Select(codec.Row{"Email": codec.StringValue("a@x")})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	if !found || row["Name"].Str != "A" {
		t.Fatalf("earlier frame not readable after torn tail: row=%+v found=%v", row, found)
	}

	if err := reopened.Insert(codec.Row{"Email": codec.StringValue("c@x"), "Name": codec.StringValue("C")}); err != nil {
		t.Fatalf("insert of fresh key after torn tail: %v", err)
	}
}

// Test_Scenario_S6_TypedValues grounds spec §8 scenario S6.
func Test_Scenario_S6_TypedValues(t *testing.T) {
	t.Parallel()

	schema := codec.NewSchema([]codec.Column{
		{Name: "Id", Type: codec.TypeInt, Unique: true},
		{Name: "W", Type: codec.TypeFloat},
		{Name: "Tag", Type: codec.TypeBytes},
	})

	tbl := openTestTable(t, schema)

	row := codec.Row{
		"Id":  codec.IntValue(-1),
		"W":   codec.FloatValue(3.5),
		"Tag": codec.BytesValue([]byte{0x00, 0x01}),
	}

	if err := tbl.Insert(row); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, found, err := tbl.Select(codec.Row{"Id": codec.IntValue(-1)})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	if !found {
		t.Fatalf("row not found")
	}

	if !got["Id"].Equal(row["Id"]) || !got["W"].Equal(row["W"]) || !got["Tag"].Equal(row["Tag"]) {
		t.Fatalf("got = %+v, want bit-for-bit %+v", got, row)
	}
}

func Test_Update_SameKeySelfUpdateAllowed(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t, usersSchema())

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("a@x"), "Name": codec.StringValue("A")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := tbl.Update(codec.Row{"Email": codec.StringValue("a@x")}, codec.Row{"Name": codec.StringValue("A2")})
	if err != nil {
		t.Fatalf("self-update (no key change): %v", err)
	}

	row, found, err := tbl.Select(codec.Row{"Email": codec.StringValue("a@x")})
	if err != nil || !found || row["Name"].Str != "A2" {
		t.Fatalf("row = %+v, found = %v, err = %v; want Name=A2", row, found, err)
	}
}

func Test_Update_RenameCollidesWithOtherLiveKey(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t, usersSchema())

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("a@x"), "Name": codec.StringValue("A")}); err != nil {
		t.Fatalf("insert a: %v", err)
	}

	if err := tbl.Insert(codec.Row{"Email": codec.StringValue("b@x"), "Name": codec.StringValue("B")}); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	err := tbl.Update(codec.Row{"Email": codec.StringValue("a@x")}, codec.Row{"Email": codec.StringValue("b@x")})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}

func Test_Delete_NotFound(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t, usersSchema())

	err := tbl.Delete(codec.Row{"Email": codec.StringValue("nope")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func Test_CreateOrOpen_IsIdempotent(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	locker := fs.NewLocker(fsys)
	dir := filepath.Join(t.TempDir(), "users")
	schema := usersSchema()

	tbl1, err := CreateOrOpen(fsys, locker, dir, schema, 0)
	if err != nil {
		t.Fatalf("first CreateOrOpen: %v", err)
	}

	if err := tbl1.Insert(codec.Row{"Email": codec.StringValue("a@x"), "Name": codec.StringValue("A")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := tbl1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tbl2, err := CreateOrOpen(fsys, locker, dir, schema, 0)
	if err != nil {
		t.Fatalf("second CreateOrOpen: %v", err)
	}
	defer tbl2.Close()

	row, found, err := tbl2.Select(codec.Row{"Email": codec.StringValue("a@x")})
	if err != nil || !found || row["Name"].Str != "A" {
		t.Fatalf("row = %+v, found = %v, err = %v; data from before should survive reopen", row, found, err)
	}
}

func Test_CreateOrOpen_RejectsConflictingSchema(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	locker := fs.NewLocker(fsys)
	dir := filepath.Join(t.TempDir(), "users")

	tbl, err := CreateOrOpen(fsys, locker, dir, usersSchema(), 0)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	defer tbl.Close()

	differentSchema := codec.NewSchema([]codec.Column{
		{Name: "Email", Type: codec.TypeString, Unique: true},
	})

	_, err = CreateOrOpen(fsys, locker, dir, differentSchema, 0)
	if !errors.Is(err, ErrSchemaConflict) {
		t.Fatalf("err = %v, want ErrSchemaConflict", err)
	}
}

// Test_Concurrency_EightGoroutines grounds spec §8 property 5: under at
// least 8 goroutines performing concurrent inserts/selects/updates/
// deletes, no operation returns a spurious error and the final state
// has no duplicate live key (property 2).
func Test_Concurrency_EightGoroutines(t *testing.T) {
	tbl := openTestTable(t, usersSchema())

	const goroutines = 8

	const perGoroutine = 25

	var wg sync.WaitGroup

	errs := make(chan error, goroutines*perGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)

		go func(g int) {
			defer wg.Done()

			for i := 0; i < perGoroutine; i++ {
				email := codec.StringValue(emailFor(g, i%5))

				err := tbl.Insert(codec.Row{"Email": email, "Name": codec.StringValue("x")})
				if err != nil && !errors.Is(err, ErrDuplicateKey) {
					errs <- err
					continue
				}

				_, _, err = tbl.Select(codec.Row{"Email": email})
				if err != nil {
					errs <- err
					continue
				}

				err = tbl.Update(codec.Row{"Email": email}, codec.Row{"Name": codec.StringValue("y")})
				if err != nil && !errors.Is(err, ErrNotFound) {
					errs <- err
					continue
				}

				err = tbl.Delete(codec.Row{"Email": email})
				if err != nil && !errors.Is(err, ErrNotFound) {
					errs <- err
				}
			}
		}(g)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error under concurrency: %v", err)
	}

	seen := make(map[string]bool)

	for g := 0; g < goroutines; g++ {
		for i := 0; i < 5; i++ {
			email := codec.StringValue(emailFor(g, i))

			row, found, err := tbl.Select(codec.Row{"Email": email})
			if err != nil {
				t.Fatalf("final Select: %v", err)
			}

			if found {
				if seen[row["Email"].Str] {
					t.Fatalf("duplicate live key observed: %s", row["Email"].Str)
				}

				seen[row["Email"].Str] = true
			}
		}
	}
}

func emailFor(goroutine, slot int) string {
	return "user" + strconv.Itoa(goroutine) + "-" + strconv.Itoa(slot) + "@x"
}

package table

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/quixdb/quixdb/internal/codec"
	"github.com/quixdb/quixdb/internal/fs"
)

const (
	schemaFileName = "schema.bin"
	logFileName    = "data.dat"
	lockFileName   = ".lock"
)

func schemaPath(dir string) string { return filepath.Join(dir, schemaFileName) }
func logPath(dir string) string    { return filepath.Join(dir, logFileName) }
func lockPath(dir string) string   { return filepath.Join(dir, lockFileName) }

// readSchema reads and decodes dir's schema.bin, if present.
func readSchema(fsys fs.FS, dir string) (schema *codec.Schema, exists bool, err error) {
	exists, err = fsys.Exists(schemaPath(dir))
	if err != nil {
		return nil, false, fmt.Errorf("%w: checking for schema.bin in %q: %w", ErrIO, dir, err)
	}

	if !exists {
		return nil, false, nil
	}

	data, err := fsys.ReadFile(schemaPath(dir))
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading schema.bin in %q: %w", ErrIO, dir, err)
	}

	schema, err = codec.DecodeSchema(data)
	if err != nil {
		return nil, false, err
	}

	return schema, true, nil
}

// writeSchemaAtomic writes schema's wire encoding to dir/schema.bin via
// temp-file-then-rename, per spec §6: the schema file is written once, at
// table creation, and never rewritten afterward.
func writeSchemaAtomic(fsys fs.FS, dir string, schema *codec.Schema) error {
	data, err := codec.EncodeSchema(schema)
	if err != nil {
		return err
	}

	writer := fs.NewAtomicWriter(fsys)

	if err := writer.WriteWithDefaults(schemaPath(dir), bytes.NewReader(data)); err != nil {
		if errors.Is(err, fs.ErrAtomicWriteDirSync) {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		return fmt.Errorf("%w: writing schema.bin in %q: %w", ErrIO, dir, err)
	}

	return nil
}

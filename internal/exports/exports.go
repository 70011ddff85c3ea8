// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package exports holds the table of configured exports: which named block
// address spaces exist, their geometry and which backend kind persists them.
// The table is built once from configuration and passed explicitly to
// whoever needs it, so tests can run any number of simulated exports without
// ambient state.
package exports

import (
	"github.com/pkg/errors"
)

// Backend kind persisting an export. Parameters of the kind (filesystem
// root, bucket and credentials) live in the configuration and are opaque to
// the core.
type Backend string

const (
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendMem  Backend = "mem"
	BackendNull Backend = "null"
)

// Export describes one virtual device namespace. Block size is fixed for the
// export's lifetime and shared by translator, cache and storage.
type Export struct {
	Name      string
	BlockSize int
	SizeBytes int64
	Backend   Backend
}

// Table maps export names to their descriptions.
type Table struct {
	exports map[string]Export
}

// NewTable validates every export and builds the lookup table. Geometry
// rules: positive block size, non-negative size, size a multiple of block
// size, unique non-empty names.
func NewTable(list ...Export) (*Table, error) {
	t := &Table{exports: make(map[string]Export, len(list))}

	for _, e := range list {
		if e.Name == "" {
			return nil, errors.New("exports: export name must not be empty")
		}
		if _, ok := t.exports[e.Name]; ok {
			return nil, errors.Errorf("exports: duplicate export %q", e.Name)
		}
		if e.BlockSize <= 0 {
			return nil, errors.Errorf("exports: %q: block size %d must be positive",
				e.Name, e.BlockSize)
		}
		if e.SizeBytes < 0 || e.SizeBytes%int64(e.BlockSize) != 0 {
			return nil, errors.Errorf(
				"exports: %q: size %d must be a non-negative multiple of block size %d",
				e.Name, e.SizeBytes, e.BlockSize)
		}

		t.exports[e.Name] = e
	}

	return t, nil
}

// Lookup returns the export description for name.
func (t *Table) Lookup(name string) (Export, bool) {
	e, ok := t.exports[name]
	return e, ok
}

// Len reports the number of configured exports.
func (t *Table) Len() int {
	return len(t.exports)
}

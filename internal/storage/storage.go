// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package storage defines the contract for whole-block persistence. A
// BlockStore persists exactly one fixed-size block per call, namespaced by
// export name. Anything implementing the interface can back a device: local
// filesystem, s3 compatible object store, memory or null for testing and
// benchmarking.
package storage

import (
	"fmt"
)

// BlockStore is the uniform persistence contract shared by all backends.
// Implementations must be safe for concurrent calls from multiple
// connections; concurrent writes to the same (export, blockID) resolve as
// last-writer-wins at the medium.
type BlockStore interface {
	// ReadBlock returns exactly blockSize bytes for (export, blockID). A
	// block that was never written is returned zero-filled, not as an
	// error. This models an unformatted region of the device.
	ReadBlock(export string, blockID int64, blockSize int) ([]byte, error)

	// WriteBlock persists data as the full current value for (export,
	// blockID), replacing any prior value. len(data) must be the export's
	// block size. Repeated writes with identical data are idempotent.
	WriteBlock(export string, blockID int64, data []byte) error

	// Flush returns once all previously accepted writes for the export
	// are durable. Backends whose writes are durable on return implement
	// this as a verification step only; buffering happens above, in the
	// block cache.
	Flush(export string) error
}

// BlockSizeError reports a block whose length does not match the export's
// block size: a write with a short or long buffer, or a stored unit read
// back with the wrong length. It is never auto-corrected by padding or
// truncation.
type BlockSizeError struct {
	Export  string
	BlockID int64
	Got     int
	Want    int
}

func (e *BlockSizeError) Error() string {
	return fmt.Sprintf("storage: block %s/%d is %d bytes, want %d",
		e.Export, e.BlockID, e.Got, e.Want)
}

// UnavailableError wraps a failure of the backing medium: I/O error, network
// error, authentication failure. The core never retries these; retry policy
// belongs to the medium's client or the caller.
type UnavailableError struct {
	Op     string
	Export string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage: %s on export %q: %v", e.Op, e.Export, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an UnavailableError. Returns nil if err is nil.
func Unavailable(op, export string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Export: export, Err: err}
}

// ZeroBlock returns a fresh zero-filled block of the given size.
func ZeroBlock(blockSize int) []byte {
	return make([]byte, blockSize)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/nbs/internal/device/cache"
	"github.com/asch/nbs/internal/storage"
)

const (
	// Default number of cached blocks per connection when the caller does
	// not say otherwise. 1024 blocks of 4k is 4 MiB per connection.
	DefaultCacheBlocks = 1024
)

// Options for New() function.
type Options struct {
	// Maximum number of blocks each connection keeps in memory.
	CacheBlocks int
}

// Device hands out connections to exports persisted on one storage backend.
// It holds no per-export state itself; everything mutable lives in the
// connections.
type Device struct {
	store storage.BlockStore
	opts  Options
}

func New(store storage.BlockStore, opts Options) *Device {
	if opts.CacheBlocks <= 0 {
		opts.CacheBlocks = DefaultCacheBlocks
	}

	return &Device{store: store, opts: opts}
}

// Conn is one connection to one export. The protocol layer serves a
// connection from a single logical thread and never overlaps its requests,
// so Conn does no locking of its own. Two connections to the same export
// share nothing but the storage backend: each sees the other's writes only
// after that other connection flushed.
type Conn struct {
	export    string
	blockSize int
	size      int64
	cache     *cache.Cache
}

// RangeError reports a request outside the device, or with a negative
// offset or length. It is surfaced immediately and never retried.
type RangeError struct {
	Export string
	Offset int64
	Length int
	Size   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("device: range [%d, %d) outside export %q of size %d",
		e.Offset, e.Offset+int64(e.Length), e.Export, e.Size)
}

// Open validates the export geometry and returns a connection with its own
// private block cache. Block size and device size are fixed for the lifetime
// of the connection.
func (d *Device) Open(export string, blockSize int, size int64) (*Conn, error) {
	if export == "" {
		return nil, errors.New("device: export name must not be empty")
	}
	if blockSize <= 0 {
		return nil, errors.Errorf("device: block size %d must be positive", blockSize)
	}
	if size < 0 || size%int64(blockSize) != 0 {
		return nil, errors.Errorf(
			"device: size %d must be a non-negative multiple of block size %d",
			size, blockSize)
	}

	log.Debug().
		Str("export", export).
		Int("block_size", blockSize).
		Int64("size", size).
		Msg("export opened")

	return &Conn{
		export:    export,
		blockSize: blockSize,
		size:      size,
		cache:     cache.New(d.store, export, blockSize, d.opts.CacheBlocks),
	}, nil
}

func (c *Conn) Size() int64 {
	return c.size
}

func (c *Conn) BlockSize() int {
	return c.blockSize
}

// ReadAt returns exactly length bytes starting at offset. Every block
// overlapping the range is obtained in full through the cache and the
// overlapping portion copied out, in block order.
func (c *Conn) ReadAt(offset int64, length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if err := c.checkRange(offset, length); err != nil {
		return nil, err
	}

	result := make([]byte, length)
	end := offset + int64(length)
	bs := int64(c.blockSize)

	for blockID := offset / bs; blockID <= (end-1)/bs; blockID++ {
		block, err := c.cache.GetBlock(blockID)
		if err != nil {
			return nil, err
		}

		blockStart := blockID * bs
		lo := maxInt64(offset, blockStart) - blockStart
		hi := minInt64(end, blockStart+bs) - blockStart

		copy(result[blockStart+lo-offset:], block[lo:hi])
	}

	return result, nil
}

// WriteAt stores data starting at offset. Blocks fully covered by the range
// are overwritten wholesale without consulting storage; a partial first or
// last block is read through the cache, patched in the overlapping
// sub-range and stored back. Every touched block ends up dirty in the cache;
// nothing is durable until Flush.
func (c *Conn) WriteAt(offset int64, data []byte) error {
	length := len(data)
	if length == 0 {
		return nil
	}
	if err := c.checkRange(offset, length); err != nil {
		return err
	}

	end := offset + int64(length)
	bs := int64(c.blockSize)

	for blockID := offset / bs; blockID <= (end-1)/bs; blockID++ {
		blockStart := blockID * bs
		lo := maxInt64(offset, blockStart) - blockStart
		hi := minInt64(end, blockStart+bs) - blockStart
		src := data[blockStart+lo-offset : blockStart+hi-offset]

		if lo == 0 && hi == bs {
			// Full overwrite, no read-modify-write needed.
			if err := c.cache.PutBlock(blockID, src); err != nil {
				return err
			}
			continue
		}

		block, err := c.cache.GetBlock(blockID)
		if err != nil {
			return err
		}

		copy(block[lo:hi], src)

		if err := c.cache.PutBlock(blockID, block); err != nil {
			return err
		}
	}

	return nil
}

// Flush makes every write on this connection durable. When it returns, no
// block of this connection is dirty.
func (c *Conn) Flush() error {
	return c.cache.Flush()
}

// Close drops the connection's cache without flushing. Writes that were
// never flushed are lost, which is the documented disconnect semantics.
func (c *Conn) Close() error {
	c.cache.Drop()
	return nil
}

// The comparison is phrased to stay correct when offset+length would
// overflow int64.
func (c *Conn) checkRange(offset int64, length int) error {
	if offset < 0 || length < 0 || offset > c.size || int64(length) > c.size-offset {
		return &RangeError{Export: c.export, Offset: offset, Length: length, Size: c.size}
	}

	return nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

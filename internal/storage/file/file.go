// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file implements BlockStore on the local filesystem. Every block is
// one file of exactly blockSize raw bytes, no header, no checksum:
//
//	<root>/exports/<export>/blocks/<block_id>
//
// The layout is bit-compatible with the object store variant modulo the
// root prefix, so an export can be copied between media.
package file

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/asch/nbs/internal/storage"
)

// Store persists blocks under a root directory. The zero value is not
// usable; construct with New. Safe for concurrent use, relying on the
// atomicity of rename for last-writer-wins on a single block.
type Store struct {
	root      string
	blockSize int
}

func New(root string, blockSize int) *Store {
	return &Store{root: root, blockSize: blockSize}
}

// Path of the directory holding all block files of an export.
func (s *Store) blocksDir(export string) string {
	return filepath.Join(s.root, "exports", export, "blocks")
}

func (s *Store) blockPath(export string, blockID int64) string {
	return filepath.Join(s.blocksDir(export), strconv.FormatInt(blockID, 10))
}

// ReadBlock reads one block file. A missing file is a block that was never
// written and reads as zeroes. A file with the wrong length means the store
// was corrupted outside of this process and is reported, never papered over.
func (s *Store) ReadBlock(export string, blockID int64, blockSize int) ([]byte, error) {
	data, err := os.ReadFile(s.blockPath(export, blockID))
	if os.IsNotExist(err) {
		return storage.ZeroBlock(blockSize), nil
	}
	if err != nil {
		return nil, storage.Unavailable("read_block", export,
			errors.Wrapf(err, "block %d", blockID))
	}

	if len(data) != blockSize {
		return nil, &storage.BlockSizeError{
			Export: export, BlockID: blockID, Got: len(data), Want: blockSize,
		}
	}

	return data, nil
}

// WriteBlock replaces the block file atomically: the data is written to a
// temporary file, synced, and renamed over the final path. Every call gets
// its own temporary file, so concurrent writers of the same block cannot
// interleave and the rename publishes one writer's complete block. The
// export namespace is created on first write.
func (s *Store) WriteBlock(export string, blockID int64, data []byte) error {
	if len(data) != s.blockSize {
		return &storage.BlockSizeError{
			Export: export, BlockID: blockID, Got: len(data), Want: s.blockSize,
		}
	}

	path := s.blockPath(export, blockID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return storage.Unavailable("write_block", export, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return storage.Unavailable("write_block", export,
			errors.Wrapf(err, "block %d", blockID))
	}

	if err := writeSync(tmp, data); err != nil {
		os.Remove(tmp.Name())
		return storage.Unavailable("write_block", export,
			errors.Wrapf(err, "block %d", blockID))
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return storage.Unavailable("write_block", export,
			errors.Wrapf(err, "block %d", blockID))
	}

	return nil
}

// Flush forces the export's blocks directory to stable media so that the
// renames of all previous WriteBlock calls are durable. An export that was
// never written has nothing to flush.
func (s *Store) Flush(export string) error {
	dir, err := os.Open(s.blocksDir(export))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return storage.Unavailable("flush", export, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return storage.Unavailable("flush", export, err)
	}

	return nil
}

// Write data to f and fsync before closing, so the subsequent rename
// publishes fully persisted content.
func writeSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

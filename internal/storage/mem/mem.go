// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mem implements BlockStore in process memory. Blocks survive only
// for the lifetime of the process, which is exactly what tests and smoke
// runs need: every durability property of the real backends can be checked
// against it without touching a disk or a network.
package mem

import (
	"sync"

	"github.com/asch/nbs/internal/storage"
)

type blockKey struct {
	export  string
	blockID int64
}

// Store keeps blocks in a mutex guarded map. Safe for concurrent use;
// concurrent writers to one block resolve as last-writer-wins.
type Store struct {
	blockSize int

	mu     sync.Mutex
	blocks map[blockKey][]byte
}

func New(blockSize int) *Store {
	return &Store{
		blockSize: blockSize,
		blocks:    make(map[blockKey][]byte),
	}
}

func (s *Store) ReadBlock(export string, blockID int64, blockSize int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blocks[blockKey{export, blockID}]
	if !ok {
		return storage.ZeroBlock(blockSize), nil
	}

	if len(data) != blockSize {
		return nil, &storage.BlockSizeError{
			Export: export, BlockID: blockID, Got: len(data), Want: blockSize,
		}
	}

	out := make([]byte, blockSize)
	copy(out, data)

	return out, nil
}

func (s *Store) WriteBlock(export string, blockID int64, data []byte) error {
	if len(data) != s.blockSize {
		return &storage.BlockSizeError{
			Export: export, BlockID: blockID, Got: len(data), Want: s.blockSize,
		}
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	s.blocks[blockKey{export, blockID}] = stored
	s.mu.Unlock()

	return nil
}

// Flush is trivially satisfied, memory writes are as durable as they get.
func (s *Store) Flush(export string) error {
	return nil
}

// Len reports the number of stored blocks across all exports.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.blocks)
}

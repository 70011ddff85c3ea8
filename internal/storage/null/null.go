// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/nbs/internal/storage"
)

// Null implementation of BlockStore. Discards every write, serves zeroes for
// every read and never fails. Useful for measuring the overhead of the
// translation and caching layers without any medium behind them. It can also
// serve as a template for a new backend since it is a minimal implementation
// of the BlockStore interface.
type null struct {
}

func New() *null {
	return &null{}
}

func (n *null) ReadBlock(export string, blockID int64, blockSize int) ([]byte, error) {
	return storage.ZeroBlock(blockSize), nil
}

func (n *null) WriteBlock(export string, blockID int64, data []byte) error {
	return nil
}

func (n *null) Flush(export string) error {
	return nil
}

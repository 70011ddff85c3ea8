// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/nbs/internal/storage"
	"github.com/asch/nbs/internal/storage/mem"
)

const blockSize = 4096

// countingStore records backend reads so tests can prove when a
// read-modify-write fetch happened and when it did not.
type countingStore struct {
	inner storage.BlockStore
	reads int
}

func (s *countingStore) ReadBlock(export string, blockID int64, size int) ([]byte, error) {
	s.reads++
	return s.inner.ReadBlock(export, blockID, size)
}

func (s *countingStore) WriteBlock(export string, blockID int64, data []byte) error {
	return s.inner.WriteBlock(export, blockID, data)
}

func (s *countingStore) Flush(export string) error {
	return s.inner.Flush(export)
}

func openTestConn(t *testing.T, store storage.BlockStore, blocks int64) *Conn {
	dev := New(store, Options{CacheBlocks: 64})
	conn, err := dev.Open("dev1", blockSize, blocks*blockSize)
	require.NoError(t, err)

	return conn
}

func TestOpenRejectsBadGeometry(t *testing.T) {
	dev := New(mem.New(blockSize), Options{})

	_, err := dev.Open("", blockSize, blockSize)
	assert.Error(t, err)

	_, err = dev.Open("dev1", 0, blockSize)
	assert.Error(t, err)

	_, err = dev.Open("dev1", blockSize, -blockSize)
	assert.Error(t, err)

	_, err = dev.Open("dev1", blockSize, blockSize+1)
	assert.Error(t, err)

	conn, err := dev.Open("dev1", blockSize, 4*blockSize)
	require.NoError(t, err)
	assert.Equal(t, int64(4*blockSize), conn.Size())
	assert.Equal(t, blockSize, conn.BlockSize())
}

// Fresh device behavior: write "hello" at offset 0, read 10
// bytes back, flush, reconnect and find the data durable.
func TestShortWriteAtDeviceStart(t *testing.T) {
	store := mem.New(blockSize)
	conn := openTestConn(t, store, 4)

	require.NoError(t, conn.WriteAt(0, []byte("hello")))

	data, err := conn.ReadAt(0, 10)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("hello"), make([]byte, 5)...), data)

	require.NoError(t, conn.Flush())
	require.NoError(t, conn.Close())

	// A fresh connection over the same backend simulates a restart.
	reconnected := openTestConn(t, store, 4)
	data, err = reconnected.ReadAt(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestFullBlockWriteLeavesNeighborsAlone(t *testing.T) {
	store := mem.New(blockSize)
	conn := openTestConn(t, store, 4)

	require.NoError(t, conn.WriteAt(blockSize, bytes.Repeat([]byte{0xAA}, blockSize)))

	data, err := conn.ReadAt(0, 2*blockSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, blockSize), data[:blockSize])
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, blockSize), data[blockSize:])
}

func TestAlignedWriteNeedsNoFetch(t *testing.T) {
	store := &countingStore{inner: mem.New(blockSize)}
	conn := openTestConn(t, store, 4)

	require.NoError(t, conn.WriteAt(blockSize, bytes.Repeat([]byte{1}, 2*blockSize)))
	assert.Equal(t, 0, store.reads)
}

func TestUnalignedWriteFetchesOnlyEdgeBlocks(t *testing.T) {
	store := &countingStore{inner: mem.New(blockSize)}
	conn := openTestConn(t, store, 8)

	// Spans 4 blocks; the partial first and last need a fetch, the two
	// interior ones are overwritten wholesale.
	require.NoError(t, conn.WriteAt(blockSize/2, bytes.Repeat([]byte{2}, 3*blockSize)))
	assert.Equal(t, 2, store.reads)
}

func TestUnalignedWritePreservesSurroundingBytes(t *testing.T) {
	store := mem.New(blockSize)
	conn := openTestConn(t, store, 2)

	require.NoError(t, conn.WriteAt(0, bytes.Repeat([]byte{0x11}, 2*blockSize)))
	require.NoError(t, conn.Flush())

	// Overwrite a range straddling the block boundary.
	patch := bytes.Repeat([]byte{0x22}, 100)
	require.NoError(t, conn.WriteAt(blockSize-50, patch))

	data, err := conn.ReadAt(0, 2*blockSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, blockSize-50), data[:blockSize-50])
	assert.Equal(t, patch, data[blockSize-50:blockSize+50])
	assert.Equal(t, bytes.Repeat([]byte{0x11}, blockSize-50), data[blockSize+50:])
}

func TestReadAfterWriteOnSameConnection(t *testing.T) {
	conn := openTestConn(t, mem.New(blockSize), 4)

	require.NoError(t, conn.WriteAt(100, []byte("abc")))
	require.NoError(t, conn.WriteAt(101, []byte("XY")))

	data, err := conn.ReadAt(100, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("aXY"), data)
}

func TestZeroLengthRequestsAreNoops(t *testing.T) {
	store := &countingStore{inner: mem.New(blockSize)}
	conn := openTestConn(t, store, 4)

	data, err := conn.ReadAt(0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, conn.WriteAt(0, nil))
	assert.Equal(t, 0, store.reads)
}

func TestOutOfRangeRequestsRejected(t *testing.T) {
	conn := openTestConn(t, mem.New(blockSize), 2)

	var rangeErr *RangeError

	_, err := conn.ReadAt(2*blockSize-4, 8)
	require.True(t, errors.As(err, &rangeErr))

	_, err = conn.ReadAt(-1, 4)
	require.True(t, errors.As(err, &rangeErr))

	err = conn.WriteAt(2*blockSize, []byte("x"))
	require.True(t, errors.As(err, &rangeErr))
}

func TestOffsetsNearMaxInt64Rejected(t *testing.T) {
	conn := openTestConn(t, mem.New(blockSize), 2)

	var rangeErr *RangeError

	// offset+length wraps around int64 here; the request must still be
	// rejected, not served as zeroes.
	_, err := conn.ReadAt(math.MaxInt64-2, 8)
	require.True(t, errors.As(err, &rangeErr))

	err = conn.WriteAt(math.MaxInt64-2, []byte("12345678"))
	require.True(t, errors.As(err, &rangeErr))

	_, err = conn.ReadAt(math.MaxInt64, 1)
	require.True(t, errors.As(err, &rangeErr))
}

func TestUnflushedWritesAreLostOnClose(t *testing.T) {
	store := mem.New(blockSize)
	conn := openTestConn(t, store, 2)

	require.NoError(t, conn.WriteAt(0, []byte("doomed")))
	require.NoError(t, conn.Close())

	reconnected := openTestConn(t, store, 2)
	data, err := reconnected.ReadAt(0, 6)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 6), data)
}

func TestTinyCacheWritesBackThroughEviction(t *testing.T) {
	store := mem.New(blockSize)
	dev := New(store, Options{CacheBlocks: 1})
	conn, err := dev.Open("dev1", blockSize, 4*blockSize)
	require.NoError(t, err)

	require.NoError(t, conn.WriteAt(0, bytes.Repeat([]byte{0x33}, blockSize)))
	require.NoError(t, conn.WriteAt(blockSize, bytes.Repeat([]byte{0x44}, blockSize)))

	// Block 0 reached storage through eviction, without any flush.
	data, err := store.ReadBlock("dev1", 0, blockSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x33}, blockSize), data)

	// And the rest arrives on flush.
	require.NoError(t, conn.Flush())
	data, err = store.ReadBlock("dev1", 1, blockSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x44}, blockSize), data)
}

func TestTwoConnectionsSyncOnlyThroughFlush(t *testing.T) {
	store := mem.New(blockSize)
	dev := New(store, Options{})

	writer, err := dev.Open("dev1", blockSize, 4*blockSize)
	require.NoError(t, err)
	reader, err := dev.Open("dev1", blockSize, 4*blockSize)
	require.NoError(t, err)

	require.NoError(t, writer.WriteAt(0, []byte("fresh")))

	// The writer has not flushed, so the reader sees the old zeroes.
	data, err := reader.ReadAt(0, 5)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 5), data)

	require.NoError(t, writer.Flush())

	// The reader's cache still holds the stale block; only a connection
	// opened after the flush observes the write.
	late, err := dev.Open("dev1", blockSize, 4*blockSize)
	require.NoError(t, err)
	data, err = late.ReadAt(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)
}

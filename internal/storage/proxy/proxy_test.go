// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proxy

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/nbs/internal/storage/mem"
)

const testBlockSize = 8

func TestProxyPassesThroughReadsAndWrites(t *testing.T) {
	p := New(mem.New(testBlockSize), 2, 2)
	defer p.Close()

	block := []byte("01234567")
	require.NoError(t, p.WriteBlock("dev1", 0, block))

	data, err := p.ReadBlock("dev1", 0, testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, block, data)

	assert.NoError(t, p.Flush("dev1"))
}

func TestProxyZeroFillsUnwrittenBlocks(t *testing.T) {
	p := New(mem.New(testBlockSize), 1, 1)
	defer p.Close()

	data, err := p.ReadBlock("dev1", 99, testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBlockSize), data)
}

func TestProxyServesConcurrentConnections(t *testing.T) {
	backing := mem.New(testBlockSize)
	p := New(backing, 4, 4)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			export := fmt.Sprintf("dev%d", i%4)
			block := []byte(fmt.Sprintf("%08d", i))

			assert.NoError(t, p.WriteBlock(export, int64(i), block))

			data, err := p.ReadBlock(export, int64(i), testBlockSize)
			assert.NoError(t, err)
			assert.Equal(t, block, data)

			assert.NoError(t, p.Flush(export))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, backing.Len())
}

func TestProxyCloseStopsWorkers(t *testing.T) {
	baseline := runtime.NumGoroutine()

	p := New(mem.New(testBlockSize), 4, 4)
	require.NoError(t, p.WriteBlock("dev1", 0, []byte("01234567")))

	p.Close()
	p.Close() // closing twice is fine

	// The worker goroutines drain out shortly after Close.
	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > baseline && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), baseline)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package proxy is a worker pool in front of a BlockStore. It bounds the
// number of in-flight calls against the medium while staying a BlockStore
// itself, so it can be slid between any backend and the devices without
// either side noticing.
package proxy

import (
	"sync"

	"github.com/asch/nbs/internal/metrics"
	"github.com/asch/nbs/internal/storage"
)

// Proxy fans BlockStore calls out to fixed pools of reader and writer
// goroutines. Reads and writes have separate pools so a burst of write-backs
// cannot starve demand reads. On the writer pool, flushes are handled first:
// a flush is a barrier the client is actively waiting on, while the writes
// it follows have already been accepted.
type Proxy struct {
	instance storage.BlockStore

	// Number of go routines to spawn for handling read requests and
	// write requests.
	readers int
	writers int

	// Internal channels.
	reads   chan request
	writes  chan request
	flushes chan request

	// Closed by Close() to stop the workers.
	quit     chan struct{}
	quitOnce sync.Once
}

// Request is internal structure for wrapping the communication into
// channels.
type request struct {
	export    string
	blockID   int64
	blockSize int
	data      []byte
	done      chan response
}

type response struct {
	data []byte
	err  error
}

// Return new instance of the proxy which can be directly used. It
// immediately spawns go routines for read and write workers.
func New(instance storage.BlockStore, readers, writers int) *Proxy {
	p := &Proxy{
		instance: instance,
		readers:  readers,
		writers:  writers,
		reads:    make(chan request),
		writes:   make(chan request),
		flushes:  make(chan request),
		quit:     make(chan struct{}),
	}

	for i := 0; i < p.readers; i++ {
		go p.readWorker()
	}

	for i := 0; i < p.writers; i++ {
		go p.writeWorker()
	}

	return p
}

func (p *Proxy) ReadBlock(export string, blockID int64, blockSize int) ([]byte, error) {
	done := make(chan response)
	p.reads <- request{export: export, blockID: blockID, blockSize: blockSize, done: done}
	r := <-done

	return r.data, r.err
}

func (p *Proxy) WriteBlock(export string, blockID int64, data []byte) error {
	// A nil buffer marks a flush request internally.
	if data == nil {
		data = []byte{}
	}

	done := make(chan response)
	p.writes <- request{export: export, blockID: blockID, data: data, done: done}
	r := <-done

	return r.err
}

func (p *Proxy) Flush(export string) error {
	done := make(chan response)
	p.flushes <- request{export: export, done: done}
	r := <-done

	return r.err
}

// Close stops the worker pools. It must only be called once every
// outstanding request has returned; further calls on the proxy would block
// forever. Safe to call more than once.
func (p *Proxy) Close() {
	p.quitOnce.Do(func() {
		close(p.quit)
	})
}

// Generic function for prioritization used by the write workers. The second
// return value is false when the proxy was closed.
func (p *Proxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	select {
	case r := <-prio:
		return r, true
	default:
	}

	select {
	case <-p.quit:
		return request{}, false
	case r := <-prio:
		return r, true
	case r := <-normal:
		return r, true
	}
}

// Read worker just calls ReadBlock() on the instance provided in New().
func (p *Proxy) readWorker() {
	for {
		var r request
		select {
		case <-p.quit:
			return
		case r = <-p.reads:
		}

		data, err := p.instance.ReadBlock(r.export, r.blockID, r.blockSize)
		count("read_block", err)
		r.done <- response{data: data, err: err}
	}
}

// Write worker serves both writes and flushes, flushes first.
func (p *Proxy) writeWorker() {
	for {
		r, ok := p.receiveRequest(p.flushes, p.writes)
		if !ok {
			return
		}

		var err error
		if r.data == nil {
			err = p.instance.Flush(r.export)
			count("flush", err)
		} else {
			err = p.instance.WriteBlock(r.export, r.blockID, r.data)
			count("write_block", err)
		}

		r.done <- response{err: err}
	}
}

func count(op string, err error) {
	metrics.StorageOps.WithLabelValues(op).Inc()
	if err != nil {
		metrics.StorageErrors.WithLabelValues(op).Inc()
	}
}

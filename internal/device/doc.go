// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device translates the byte-addressed read, write and flush
// operations of a virtual block device into whole-block operations against a
// storage backend, with a per-connection write-back cache in between.
//
// The package defines one interface boundary, storage.BlockStore, behind
// which the persistence medium hides. Local filesystem and s3 object storage
// are provided; any other medium can be plugged in by implementing the
// interface.
package device

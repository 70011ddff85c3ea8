// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// nbs is the storage core of a virtual block device. It translates
// byte-addressed read, write and flush requests into whole-block operations
// and persists the blocks on a pluggable backend: local filesystem or any s3
// compatible object store. The NBD wire protocol itself is spoken by an
// external server process which drives this core through the device package.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/device contains the address translator and its per-connection
// block cache. This is the byte-range to block-range boundary.
//
// - internal/storage contains the whole-block persistence contract and its
// implementations: file, s3, mem and null, plus a worker-pool proxy bounding
// backend concurrency.
//
// - internal/exports holds the table of configured exports and their
// geometry.
//
// - internal/config contains configuration package shared by all backends.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/nbs/internal/config"
	"github.com/asch/nbs/internal/device"
	"github.com/asch/nbs/internal/exports"
	"github.com/asch/nbs/internal/storage"
	"github.com/asch/nbs/internal/storage/file"
	"github.com/asch/nbs/internal/storage/mem"
	"github.com/asch/nbs/internal/storage/null"
	"github.com/asch/nbs/internal/storage/proxy"
	"github.com/asch/nbs/internal/storage/s3"
)

// Parse configuration from file and environment variables, build the
// configured storage backend and open the configured export. The device is
// held open until SIGINT or SIGTERM, then flushed and closed gracefully.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	runMetrics(config.Cfg.MetricsPort)

	store, err := getBlockStore(config.Cfg.Backend)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	table, err := exports.NewTable(exports.Export{
		Name:      config.Cfg.Export,
		BlockSize: config.Cfg.BlockSize,
		SizeBytes: config.Cfg.Size,
		Backend:   exports.Backend(config.Cfg.Backend),
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	export, _ := table.Lookup(config.Cfg.Export)

	dev := device.New(store, device.Options{CacheBlocks: config.Cfg.CacheBlocks})

	conn, err := dev.Open(export.Name, export.BlockSize, export.SizeBytes)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().
		Str("export", export.Name).
		Str("backend", config.Cfg.Backend).
		Int64("size", export.SizeBytes).
		Msg("export ready")

	waitForSignals()

	log.Info().Str("export", export.Name).Msg("flushing and closing export")

	if err := conn.Flush(); err != nil {
		log.Error().Err(err).Msg("final flush failed, unflushed writes are lost")
	}

	conn.Close()
}

// Returns the configured storage backend wrapped in the concurrency bounding
// proxy. File backend is the default.
func getBlockStore(kind string) (storage.BlockStore, error) {
	var (
		instance storage.BlockStore
		err      error
	)

	switch exports.Backend(kind) {
	case exports.BackendS3:
		instance, err = s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
			BlockSize: config.Cfg.BlockSize,
		})
	case exports.BackendMem:
		instance = mem.New(config.Cfg.BlockSize)
	case exports.BackendNull:
		instance = null.New()
	default:
		instance = file.New(config.Cfg.File.Root, config.Cfg.BlockSize)
	}

	if err != nil {
		return nil, err
	}

	return proxy.New(instance, config.Cfg.Proxy.Readers, config.Cfg.Proxy.Writers), nil
}

// Block until SIGINT or SIGTERM comes in.
func waitForSignals() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

// Serves the prometheus metrics endpoint.
func runMetrics(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info().Err(http.ListenAndServe(fmt.Sprintf(":%d", port), mux)).Send()
	}()
}

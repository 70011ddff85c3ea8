// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/nbs/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Export      string `toml:"export" env:"NBS_EXPORT" env-default:"default" env-description:"Export name. Namespace of the device's blocks on the backend."`
	Size        int64  `toml:"size" env:"NBS_SIZE" env-default:"8" env-description:"Device size in GB."`
	BlockSize   int    `toml:"block_size" env:"NBS_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Backend     string `toml:"backend" env:"NBS_BACKEND" env-default:"file" env-description:"Storage backend: file, s3, mem or null."`
	CacheBlocks int    `toml:"cache_blocks" env:"NBS_CACHEBLOCKS" env-default:"1024" env-description:"Per-connection block cache capacity in blocks."`

	File struct {
		Root string `toml:"root" env:"NBS_FILE_ROOT" env-description:"Root directory for the file backend." env-default:"/var/lib/nbs"`
	} `toml:"file"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"NBS_S3_BUCKET" env-description:"S3 Bucket name." env-default:"nbs"`
		Remote    string `toml:"remote" env:"NBS_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"NBS_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"NBS_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"NBS_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Proxy struct {
		Readers int `toml:"readers" env:"NBS_PROXY_READERS" env-description:"Max number of concurrent backend reads." env-default:"16"`
		Writers int `toml:"writers" env:"NBS_PROXY_WRITERS" env-description:"Max number of concurrent backend writes." env-default:"16"`
	} `toml:"proxy"`

	Log struct {
		Level  int  `toml:"level" env:"NBS_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"NBS_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"NBS_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"NBS_PROFILER_PORT" env-description:"Port the profiler listens on." env-default:"6060"`
	MetricsPort  int  `toml:"metrics_port" env:"NBS_METRICS_PORT" env-description:"Port the prometheus endpoint listens on." env-default:"9090"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("nbs", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

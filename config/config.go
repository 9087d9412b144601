// Package config loads the settings shared by the command line tools:
// defaults, then an optional YAML file, then SFS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/rcore-os/rcore-fs/debug"
	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/sfs"
)

const envVarPrefix = "SFS"

type Config struct {
	CacheSlots  int    `envconfig:"CACHE_SLOTS"  yaml:"cacheSlots"`
	CacheHash   int    `envconfig:"CACHE_HASH"   yaml:"cacheHash"`
	LogLevel    string `envconfig:"LOG_LEVEL"    yaml:"logLevel"`
	LogFormat   string `envconfig:"LOG_FORMAT"   yaml:"logFormat"`
	Compression string `envconfig:"COMPRESSION"  yaml:"compression"`
	InodeRatio  int    `envconfig:"INODE_RATIO"  yaml:"inodeRatio"` // blocks per inode at mkfs
}

func Default() *Config {
	return &Config{
		CacheSlots:  sfs.DefaultCacheSlots,
		CacheHash:   sfs.DefaultCacheHash,
		LogLevel:    "warn",
		LogFormat:   "text",
		Compression: "zstd",
		InodeRatio:  4,
	}
}

// Load reads the config file at path, or the one named by SFS_CONFIG_FILE
// when path is empty. A missing file leaves the defaults in place. The
// environment is applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.UnmarshalStrict(data, c); err != nil {
				return nil, fmt.Errorf("unmarshaling config file: %w", err)
			}
		}
	}

	if err := envconfig.Process(envVarPrefix, c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.CacheSlots < 1 {
		return fmt.Errorf("cacheSlots / %s_CACHE_SLOTS must be positive, got %d", envVarPrefix, c.CacheSlots)
	}
	if c.CacheHash < 1 || c.CacheHash&(c.CacheHash-1) != 0 {
		return fmt.Errorf("cacheHash / %s_CACHE_HASH must be a power of two, got %d", envVarPrefix, c.CacheHash)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("logLevel / %s_LOG_LEVEL: %w", envVarPrefix, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("logFormat / %s_LOG_FORMAT must be text or json, got %q", envVarPrefix, c.LogFormat)
	}
	if _, err := device.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("compression / %s_COMPRESSION: %w", envVarPrefix, err)
	}
	if c.InodeRatio < 1 {
		return fmt.Errorf("inodeRatio / %s_INODE_RATIO must be positive, got %d", envVarPrefix, c.InodeRatio)
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// Logger builds the logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *debug.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelWarn
	}
	if c.LogFormat == "json" {
		return debug.NewJSONLogger(w, level)
	}
	return debug.NewTextLogger(w, level)
}

func (c *Config) SnapshotCompression() device.Compression {
	comp, _ := device.ParseCompression(c.Compression)
	return comp
}

// Inodes gives the number of inodes to format a device of the given size
// with.
func (c *Config) Inodes(blocks int) int {
	return max(blocks/c.InodeRatio, sfs.INODES_PER_BLOCK)
}

// FSOptions returns the sfs options that follow from the config.
func (c *Config) FSOptions(log *debug.Logger) []sfs.Option {
	return []sfs.Option{
		sfs.WithLogger(log),
		sfs.WithCacheSize(c.CacheSlots, c.CacheHash),
	}
}

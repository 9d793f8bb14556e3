// Package config loads recstore configuration from YAML, applies
// RECSTORE_* environment overrides and validates the result.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/digest"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/logging"
)

//go:embed schema.cue
var schemaSource string

// DatabaseConfig selects the backing engine.
type DatabaseConfig struct {
	// Engine is "sqlite", "sqlite-purego" or "postgres".
	Engine string `yaml:"engine"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// StoreConfig bounds store operations.
type StoreConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxContentSize   int           `yaml:"max_content_size"`
}

// DigestConfig selects the active algorithm and escalation ladder.
type DigestConfig struct {
	Algorithm string   `yaml:"algorithm"`
	Ladder    []string `yaml:"ladder"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	Source bool   `yaml:"source"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables it.
	Addr string `yaml:"addr"`
}

// Config is the complete recstore configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Store    StoreConfig    `yaml:"store"`
	Digest   DigestConfig   `yaml:"digest"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Environment overrides.
const (
	EnvDBPath           = "RECSTORE_DB_PATH"
	EnvDBEngine         = "RECSTORE_DB_ENGINE"
	EnvDBDSN            = "RECSTORE_DB_DSN"
	EnvPoolSize         = "RECSTORE_POOL_SIZE"
	EnvAcquireTimeout   = "RECSTORE_POOL_ACQUIRE_TIMEOUT"
	EnvOperationTimeout = "RECSTORE_OPERATION_TIMEOUT"
	EnvDigestAlgorithm  = "RECSTORE_DIGEST_ALGORITHM"
	EnvMaxContentSize   = "RECSTORE_MAX_CONTENT_SIZE"
	EnvLogLevel         = "RECSTORE_LOG_LEVEL"
	EnvLogFormat        = "RECSTORE_LOG_FORMAT"
	EnvLogFile          = "RECSTORE_LOG_FILE"
)

// DefaultPath is the SQLite file used when none is configured.
const DefaultPath = "recstore.db"

// Defaults returns the built-in configuration.
func Defaults() Config {
	ladder := make([]string, len(digest.DefaultLadder))
	for i, alg := range digest.DefaultLadder {
		ladder[i] = string(alg)
	}
	return Config{
		Database: DatabaseConfig{Engine: backend.DefaultEngine, Path: DefaultPath},
		Pool:     PoolConfig{Size: 5, AcquireTimeout: 5 * time.Second},
		Store:    StoreConfig{OperationTimeout: 30 * time.Second, MaxContentSize: 16 << 20},
		Digest:   DigestConfig{Algorithm: string(digest.Default), Ladder: ladder},
		Logging:  LoggingConfig{Level: "info", Format: logging.FormatText},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result. A missing file is an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. No
// environment overrides are applied.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from RECSTORE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := env(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := env(EnvDBEngine); v != "" {
		c.Database.Engine = strings.ToLower(v)
	}
	if v := env(EnvDBDSN); v != "" {
		c.Database.DSN = v
	}
	if v := env(EnvPoolSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fault.Validation("config", "%s: %q is not an integer", EnvPoolSize, v)
		}
		c.Pool.Size = n
	}
	if v := env(EnvAcquireTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fault.Validation("config", "%s: %v", EnvAcquireTimeout, err)
		}
		c.Pool.AcquireTimeout = d
	}
	if v := env(EnvOperationTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fault.Validation("config", "%s: %v", EnvOperationTimeout, err)
		}
		c.Store.OperationTimeout = d
	}
	if v := env(EnvDigestAlgorithm); v != "" {
		c.Digest.Algorithm = strings.ToLower(v)
	}
	if v := env(EnvMaxContentSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fault.Validation("config", "%s: %q is not an integer", EnvMaxContentSize, v)
		}
		c.Store.MaxContentSize = n
	}
	if v := env(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := env(EnvLogFormat); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := env(EnvLogFile); v != "" {
		c.Logging.File = v
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate checks c against the embedded schema, then checks what the
// schema cannot express: engine-specific locations and algorithm names.
func (c Config) Validate() error {
	if err := c.validateSchema(); err != nil {
		return err
	}

	switch c.Database.Engine {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fault.Validation("config", "database.dsn is required for the postgres engine")
		}
	default:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fault.Validation("config", "database.path is required for the %s engine", c.Database.Engine)
		}
	}

	registry := digest.DefaultRegistry()
	if _, ok := registry.Lookup(digest.Algorithm(c.Digest.Algorithm)); !ok {
		return fault.Validation("config", "digest.algorithm %q is not registered (have %v)", c.Digest.Algorithm, registry.Algorithms())
	}
	for _, name := range c.Digest.Ladder {
		if _, ok := registry.Lookup(digest.Algorithm(name)); !ok {
			return fault.Validation("config", "digest.ladder entry %q is not registered", name)
		}
	}
	return nil
}

func (c Config) validateSchema() error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(cctx.Encode(c.document()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fault.Validation("config", "%s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// document renders c in the shape of #Config.
func (c Config) document() map[string]any {
	ladder := c.Digest.Ladder
	if ladder == nil {
		ladder = []string{}
	}
	return map[string]any{
		"database": map[string]any{
			"engine": c.Database.Engine,
			"path":   c.Database.Path,
			"dsn":    c.Database.DSN,
		},
		"pool": map[string]any{
			"size":               c.Pool.Size,
			"acquire_timeout_ms": c.Pool.AcquireTimeout.Milliseconds(),
		},
		"store": map[string]any{
			"operation_timeout_ms": c.Store.OperationTimeout.Milliseconds(),
			"max_content_size":     c.Store.MaxContentSize,
		},
		"digest": map[string]any{
			"algorithm": c.Digest.Algorithm,
			"ladder":    ladder,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"file":   c.Logging.File,
			"source": c.Logging.Source,
		},
		"metrics": map[string]any{
			"addr": c.Metrics.Addr,
		},
	}
}

// Location returns the path or DSN handed to the engine.
func (c Config) Location() string {
	if c.Database.Engine == "postgres" {
		return c.Database.DSN
	}
	return c.Database.Path
}

// Algorithm returns the configured active algorithm.
func (c Config) Algorithm() digest.Algorithm {
	return digest.Algorithm(c.Digest.Algorithm)
}

// Ladder returns the configured escalation ladder.
func (c Config) Ladder() []digest.Algorithm {
	out := make([]digest.Algorithm, len(c.Digest.Ladder))
	for i, name := range c.Digest.Ladder {
		out[i] = digest.Algorithm(name)
	}
	return out
}

// LogOptions converts the logging section to logging.Options.
func (c Config) LogOptions() logging.Options {
	return logging.Options{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		File:      c.Logging.File,
		AddSource: c.Logging.Source,
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recstore/internal/digest"
	"github.com/roach88/recstore/internal/fault"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Database.Engine)
	assert.Equal(t, DefaultPath, cfg.Location())
	assert.Equal(t, 5, cfg.Pool.Size)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, digest.SHA256, cfg.Algorithm())
	assert.Equal(t, digest.DefaultLadder, cfg.Ladder())
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  path: /var/lib/recstore/data.db
pool:
  size: 2
  acquire_timeout: 250ms
digest:
  algorithm: blake3
  ladder: [sha1, blake3, sha512]
logging:
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/recstore/data.db", cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.Database.Engine, "unset fields keep defaults")
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 30*time.Second, cfg.Store.OperationTimeout)
	assert.Equal(t, digest.BLAKE3, cfg.Algorithm())
	assert.Equal(t, []digest.Algorithm{digest.SHA1, digest.BLAKE3, digest.SHA512}, cfg.Ladder())
	assert.Equal(t, "json", cfg.LogOptions().Format)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestParse_RejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("pool:\n  sise: 3\n"))
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown engine", func(c *Config) { c.Database.Engine = "oracle" }},
		{"zero pool size", func(c *Config) { c.Pool.Size = 0 }},
		{"zero acquire timeout", func(c *Config) { c.Pool.AcquireTimeout = 0 }},
		{"negative content size", func(c *Config) { c.Store.MaxContentSize = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"empty algorithm", func(c *Config) { c.Digest.Algorithm = "" }},
		{"unknown algorithm", func(c *Config) { c.Digest.Algorithm = "whirlpool" }},
		{"unknown ladder entry", func(c *Config) { c.Digest.Ladder = []string{"md5", "crc32"} }},
		{"postgres without dsn", func(c *Config) { c.Database.Engine = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, fault.IsValidation(err), "got %v", err)
		})
	}
}

func TestValidate_PostgresUsesDSN(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Engine = "postgres"
	cfg.Database.DSN = "postgres://localhost/recstore"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres://localhost/recstore", cfg.Location())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  size: 3\n"), 0o600))

	t.Setenv(EnvDBPath, "/tmp/env.db")
	t.Setenv(EnvPoolSize, "7")
	t.Setenv(EnvAcquireTimeout, "2s")
	t.Setenv(EnvOperationTimeout, "1m")
	t.Setenv(EnvDigestAlgorithm, "SHA512")
	t.Setenv(EnvMaxContentSize, "1024")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 7, cfg.Pool.Size, "environment wins over file")
	assert.Equal(t, 2*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, time.Minute, cfg.Store.OperationTimeout)
	assert.Equal(t, digest.SHA512, cfg.Algorithm())
	assert.Equal(t, 1024, cfg.Store.MaxContentSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Pool, cfg.Pool)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv(EnvPoolSize, "many")
	_, err := Load("")
	assert.True(t, fault.IsValidation(err))
}

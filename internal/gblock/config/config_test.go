package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/gblock/internal/gblock/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "localwiki", cfg.Partition)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Lookup.CIDRLimitV4)
	assert.Equal(t, 19, cfg.Lookup.CIDRLimitV6)
	assert.False(t, cfg.Lookup.TrustForwarded)
	assert.Empty(t, cfg.Lookup.AllowedRanges)
	assert.Equal(t, 32, cfg.Lookup.CacheSize)
	assert.Equal(t, "sql", cfg.Registry.Backend)
	assert.Equal(t, "sqlite", cfg.Registry.Driver)
	assert.InDelta(t, 0.01, cfg.Registry.BloomFPRate, 1e-9)
	assert.Equal(t, "sqlite", cfg.Identity.Driver)
	assert.NotEmpty(t, cfg.Identity.DSN)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.True(t, cfg.HTTP.Metrics)

	codec, err := cfg.Lookup.Codec()
	require.NoError(t, err)
	assert.Equal(t, 16, codec.Limits().IPv4)
}

func TestLoad_ValidOverrides(t *testing.T) {
	t.Setenv("GBLOCK_ENV", "dev")
	t.Setenv("GBLOCK_PARTITION", "enwiki")
	t.Setenv("GBLOCK_LOG_LEVEL", "debug")
	t.Setenv("GBLOCK_LOOKUP_CIDR_LIMIT_V4", "10")
	t.Setenv("GBLOCK_LOOKUP_CIDR_LIMIT_V6", "17")
	t.Setenv("GBLOCK_LOOKUP_BUCKET_DIGITS_V4", "2")
	t.Setenv("GBLOCK_LOOKUP_TRUST_FORWARDED", "true")
	t.Setenv("GBLOCK_LOOKUP_ALLOWED_RANGES", "1.2.3.4/30, 5.6.7.8/24")
	t.Setenv("GBLOCK_LOOKUP_CACHE_SIZE", "8")
	t.Setenv("GBLOCK_REGISTRY_BACKEND", "bolt")
	t.Setenv("GBLOCK_REGISTRY_BOLT_PATH", "/tmp/gblock.db")
	t.Setenv("GBLOCK_IDENTITY_DRIVER", "postgres")
	t.Setenv("GBLOCK_IDENTITY_DSN", "postgres://gblock@db/accounts")
	t.Setenv("GBLOCK_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("GBLOCK_HTTP_JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "enwiki", cfg.Partition)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Lookup.CIDRLimitV4)
	assert.Equal(t, 17, cfg.Lookup.CIDRLimitV6)
	assert.Equal(t, 2, cfg.Lookup.BucketDigitsV4)
	assert.True(t, cfg.Lookup.TrustForwarded)
	assert.Equal(t, []string{"1.2.3.4/30", "5.6.7.8/24"}, cfg.Lookup.AllowedRanges)
	assert.Equal(t, 8, cfg.Lookup.CacheSize)
	assert.Equal(t, "bolt", cfg.Registry.Backend)
	assert.Equal(t, "/tmp/gblock.db", cfg.Registry.BoltPath)
	assert.Equal(t, "postgres", cfg.Identity.Driver)
	assert.Equal(t, "postgres://gblock@db/accounts", cfg.Identity.DSN)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Files(t *testing.T) {
	files := map[string]string{
		"gblock.yaml": `
partition: enwiki
lookup:
  cidr_limit_v4: 20
  allowed_ranges: ["10.0.0.0/8", "192.0.2.1"]
registry:
  backend: bolt
  bolt_path: /srv/gblock.db
`,
		"gblock.json": `{"partition": "enwiki", "lookup": {"cidr_limit_v4": 20,
  "allowed_ranges": ["10.0.0.0/8", "192.0.2.1"]},
  "registry": {"backend": "bolt", "bolt_path": "/srv/gblock.db"}}`,
		"gblock.toml": `
partition = "enwiki"

[lookup]
cidr_limit_v4 = 20
allowed_ranges = ["10.0.0.0/8", "192.0.2.1"]

[registry]
backend = "bolt"
bolt_path = "/srv/gblock.db"
`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, name, body))
			require.NoError(t, err)
			assert.Equal(t, "enwiki", cfg.Partition)
			assert.Equal(t, 20, cfg.Lookup.CIDRLimitV4)
			assert.Equal(t, 19, cfg.Lookup.CIDRLimitV6, "unset keys keep their defaults")
			assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.Lookup.AllowedRanges)
			assert.Equal(t, "bolt", cfg.Registry.Backend)
			assert.Equal(t, "/srv/gblock.db", cfg.Registry.BoltPath)
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "gblock.yml", "partition: enwiki\nlog:\n  level: warn\n")
	t.Setenv("GBLOCK_PARTITION", "dewiki")

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "dewiki", cfg.Partition)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "gblock.ini", "partition=enwiki"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "unsupported config file type")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = Load(writeConfig(t, "gblock.yaml", "lookup:\n  cidr_limit_v4: 99\n"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad env":             {"GBLOCK_ENV": "staging"},
		"bad log level":       {"GBLOCK_LOG_LEVEL": "loud"},
		"v4 limit too large":  {"GBLOCK_LOOKUP_CIDR_LIMIT_V4": "40"},
		"bad allowed range":   {"GBLOCK_LOOKUP_ALLOWED_RANGES": "1.2.3.4/30,not-a-range"},
		"bucket too long":     {"GBLOCK_LOOKUP_BUCKET_DIGITS_V4": "5"},
		"unknown backend":     {"GBLOCK_REGISTRY_BACKEND": "redis"},
		"unknown driver":      {"GBLOCK_REGISTRY_DRIVER": "oracle"},
		"bolt without path":   {"GBLOCK_REGISTRY_BACKEND": "bolt"},
		"bad http addr":       {"GBLOCK_HTTP_ADDR": "nowhere"},
		"bad identity driver": {"GBLOCK_IDENTITY_DRIVER": "mysql"},
	}
	for name, envs := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range envs {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestLoad_LoaderErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("defaults", func(t *testing.T) {
		orig := defaultLoader
		t.Cleanup(func() { defaultLoader = orig })
		defaultLoader = func(*koanf.Koanf) error { return boom }
		_, err := Load()
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("env", func(t *testing.T) {
		orig := envLoader
		t.Cleanup(func() { envLoader = orig })
		envLoader = func(*koanf.Koanf) error { return boom }
		_, err := Load()
		assert.ErrorIs(t, err, boom)
	})

	t.Run("validation registration", func(t *testing.T) {
		orig := registerValidation
		t.Cleanup(func() { registerValidation = orig })
		registerValidation = func(*validator.Validate) error { return boom }
		_, err := Load()
		assert.ErrorIs(t, err, boom)
	})
}

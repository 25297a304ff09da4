package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/domain"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// Partition is the id of the local partition (wiki). Overrides and
	// blocker display names are evaluated relative to it.
	Partition string `koanf:"partition" validate:"required"`

	Log      LogConfig      `koanf:"log"`
	Lookup   LookupConfig   `koanf:"lookup"`
	Registry RegistryConfig `koanf:"registry"`
	Identity IdentityConfig `koanf:"identity"`
	HTTP     HTTPConfig     `koanf:"http"`
}

type LogConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// LookupConfig is the read-only snapshot the lookup engine is built from.
type LookupConfig struct {
	// CIDRLimitV4 and CIDRLimitV6 are the widest prefixes accepted per family.
	CIDRLimitV4 int `koanf:"cidr_limit_v4" validate:"gte=0,lte=32"`
	CIDRLimitV6 int `koanf:"cidr_limit_v6" validate:"gte=0,lte=128"`

	// Bucket digits for range predicates; 0 derives them from the limits.
	BucketDigitsV4 int `koanf:"bucket_digits_v4" validate:"gte=0"`
	BucketDigitsV6 int `koanf:"bucket_digits_v6" validate:"gte=0"`

	// TrustForwarded enables lookups on the X-Forwarded-For chain.
	TrustForwarded bool `koanf:"trust_forwarded"`

	// AllowedRanges are addresses/CIDRs exempt from address blocks.
	AllowedRanges []string `koanf:"allowed_ranges" validate:"dive,addr_or_cidr"`

	// CacheSize is the per-request lookup cache capacity; 0 disables it.
	CacheSize int `koanf:"cache_size" validate:"gte=0,lte=1024"`
}

type RegistryConfig struct {
	// Backend selects the registry implementation: "sql" or "bolt".
	Backend string `koanf:"backend" validate:"required,oneof=sql bolt"`

	// Driver is the SQL dialect: "sqlite" or "postgres".
	Driver string `koanf:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// DSN addresses the primary database; ReplicaDSN the read replica.
	// An empty ReplicaDSN reads from the primary.
	DSN        string `koanf:"dsn" validate:"required_if=Backend sql"`
	ReplicaDSN string `koanf:"replica_dsn"`

	// BoltPath is the database file of the bolt backend.
	BoltPath string `koanf:"bolt_path" validate:"required_if=Backend bolt"`

	// BloomFPRate is the target false-positive rate of the bolt prefilter;
	// 0 disables the prefilter.
	BloomFPRate float64 `koanf:"bloom_fp_rate" validate:"gte=0,lt=1"`
}

// IdentityConfig addresses the central account directory.
type IdentityConfig struct {
	Driver string `koanf:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `koanf:"dsn" validate:"required"`
}

type HTTPConfig struct {
	Addr     string `koanf:"addr" validate:"required,hostname_port"`
	MaxConns int    `koanf:"max_conns" validate:"gte=0"`

	// JWTSecret verifies HS256 bearer tokens. Empty disables authentication;
	// every caller is then treated as anonymous.
	JWTSecret string `koanf:"jwt_secret"`

	// Metrics exposes /metrics when true.
	Metrics bool `koanf:"metrics"`
}

// DEFAULT_APP_CONFIG holds the defaults applied before environment overrides.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:       "prod",
	Partition: "localwiki",
	Log:       LogConfig{Level: "info"},
	Lookup: LookupConfig{
		CIDRLimitV4:    rangecodec.DefaultLimits.IPv4,
		CIDRLimitV6:    rangecodec.DefaultLimits.IPv6,
		TrustForwarded: false,
		AllowedRanges:  []string{},
		CacheSize:      32,
	},
	Registry: RegistryConfig{
		Backend:     "sql",
		Driver:      "sqlite",
		DSN:         "/var/lib/gblock/registry.sqlite",
		BloomFPRate: 0.01,
	},
	Identity: IdentityConfig{
		Driver: "sqlite",
		DSN:    "/var/lib/gblock/accounts.sqlite",
	},
	HTTP: HTTPConfig{
		Addr:     ":8080",
		MaxConns: 512,
		Metrics:  true,
	},
}

// Codec builds the range codec described by the lookup section.
func (c LookupConfig) Codec() (*rangecodec.Codec, error) {
	return rangecodec.New(rangecodec.Options{
		Limits:         rangecodec.Limits{IPv4: c.CIDRLimitV4, IPv6: c.CIDRLimitV6},
		BucketDigitsV4: c.BucketDigitsV4,
		BucketDigitsV6: c.BucketDigitsV6,
	})
}

func validAddrOrCIDR(fl validator.FieldLevel) bool {
	return rangecodec.IsAddress(fl.Field().String())
}

// envLoader loads GBLOCK_ variables. The first underscore after the prefix
// separates the section, so GBLOCK_LOOKUP_CIDR_LIMIT_V4 becomes
// lookup.cidr_limit_v4. Values with spaces or commas become lists.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "GBLOCK_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "GBLOCK_"))
			key = strings.Replace(key, "_", ".", 1)
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads a YAML, JSON or TOML file chosen by extension.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var p koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p = kyaml.Parser()
	case ".json":
		p = kjson.Parser()
	case ".toml":
		p = ktoml.Parser()
	default:
		return fmt.Errorf("unsupported config file type %q", path)
	}
	return k.Load(file.Provider(path), p)
}

var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("addr_or_cidr", validAddrOrCIDR)
}

// Load layers defaults, the given config files (empty paths are skipped)
// and GBLOCK_ environment variables, in that order, and validates the
// result. Every failure wraps domain.ErrConfiguration.
func Load(files ...string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("%w: error loading default config: %w", domain.ErrConfiguration, err)
	}

	for _, path := range files {
		if path == "" {
			continue
		}
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("%w: error loading %s: %w", domain.ErrConfiguration, path, err)
		}
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("%w: error loading env: %w", domain.ErrConfiguration, err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: error unmarshalling config: %w", domain.ErrConfiguration, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("%w: error registering validation: %w", domain.ErrConfiguration, err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: validation failed: %w", domain.ErrConfiguration, err)
	}

	// bucket digits depend on the limits, which the tags cannot express
	if _, err := cfg.Lookup.Codec(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

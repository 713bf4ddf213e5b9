// Package config loads and validates flatdb's configuration.
//
// Precedence, highest first: command line flags, FLATDB_* environment
// variables, the YAML configuration file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	dberrors "github.com/maruel/flatdb/internal/errors"
)

// EnvPrefix prefixes environment variables. A double underscore separates
// nested keys: FLATDB_RELATIONAL__DRIVER sets relational.driver.
const EnvPrefix = "FLATDB_"

// Defaults.
const (
	DefaultNamespace   = "app"
	DefaultDataDir     = "data"
	DefaultLockTimeout = 5 * time.Second
	DefaultLogLevel    = "info"
)

// configFiles are looked up in the working directory when no file is given.
var configFiles = []string{"flatdb.yaml", "flatdb.yml"}

// Config is the immutable configuration a storage handle is opened with.
type Config struct {
	Namespace   string        `koanf:"namespace" json:"namespace" yaml:"namespace" jsonschema:"description=Prefix isolating this application's tables,default=app"`
	DataDir     string        `koanf:"data_dir" json:"data_dir" yaml:"data_dir" jsonschema:"description=Root directory of the document backend,default=data"`
	LockTimeout time.Duration `koanf:"lock_timeout" json:"lock_timeout" yaml:"lock_timeout" jsonschema:"type=string,description=Maximum wait for the exclusive table lock (Go duration),default=5s"`
	LogLevel    string        `koanf:"log_level" json:"log_level" yaml:"log_level" jsonschema:"description=Minimum log level,enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Relational  Relational    `koanf:"relational" json:"relational" yaml:"relational" jsonschema:"description=Relational backend; selected when driver is set"`
}

// Relational configures the relational backend.
type Relational struct {
	Driver   string `koanf:"driver" json:"driver,omitempty" yaml:"driver,omitempty" jsonschema:"enum=,enum=sqlite,enum=postgres,description=Relational driver; empty selects the document backend"`
	DSN      string `koanf:"dsn" json:"dsn,omitempty" yaml:"dsn,omitempty" jsonschema:"description=Data source name; the database file for sqlite"`
	Host     string `koanf:"host" json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `koanf:"port" json:"port,omitempty" yaml:"port,omitempty" jsonschema:"minimum=0,maximum=65535"`
	Database string `koanf:"database" json:"database,omitempty" yaml:"database,omitempty"`
	User     string `koanf:"user" json:"user,omitempty" yaml:"user,omitempty"`
	Password string `koanf:"password" json:"password,omitempty" yaml:"password,omitempty"`
	SSLMode  string `koanf:"sslmode" json:"sslmode,omitempty" yaml:"sslmode,omitempty" jsonschema:"enum=,enum=disable,enum=allow,enum=prefer,enum=require,enum=verify-ca,enum=verify-full"`
}

// Default returns the default configuration: document backend in ./data.
func Default() Config {
	return Config{
		Namespace:   DefaultNamespace,
		DataDir:     DefaultDataDir,
		LockTimeout: DefaultLockTimeout,
		LogLevel:    DefaultLogLevel,
	}
}

// UsesRelational reports whether a relational driver is configured.
func (c *Config) UsesRelational() bool {
	return c.Relational.Driver != ""
}

// Redacted returns a copy without secrets, for display.
func (c *Config) Redacted() Config {
	r := *c
	if r.Relational.Password != "" {
		r.Relational.Password = "********"
	}
	if r.Relational.DSN != "" && (strings.Contains(r.Relational.DSN, "password=") || strings.Contains(r.Relational.DSN, "@")) {
		r.Relational.DSN = "********"
	}
	return r
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateName checks a namespace or table name.
func ValidateName(what, name string) error {
	if !namePattern.MatchString(name) {
		return dberrors.Configuration("invalid %s name %q: must match %s", what, name, namePattern)
	}
	return nil
}

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate returns a ConfigurationError describing every problem found.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateName("namespace", c.Namespace); err != nil {
		errs = append(errs, err)
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout))
	}
	if !slices.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Errorf("log_level must be one of %s, got %q", strings.Join(logLevels, ", "), c.LogLevel))
	}
	switch r := &c.Relational; strings.ToLower(r.Driver) {
	case "":
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for the document backend"))
		}
	case "sqlite", "sqlite3":
		if r.DSN == "" {
			errs = append(errs, errors.New("relational.dsn is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if r.DSN == "" && r.Database == "" {
			errs = append(errs, errors.New("relational.dsn or relational.database is required for postgres"))
		}
		if r.Port < 0 || r.Port > 65535 {
			errs = append(errs, fmt.Errorf("relational.port out of range: %d", r.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported relational.driver %q", r.Driver))
	}
	if len(errs) == 0 {
		return nil
	}
	return dberrors.Configuration("invalid configuration").Wrap(errors.Join(errs...))
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"namespace":    "namespace",
	"data-dir":     "data_dir",
	"lock-timeout": "lock_timeout",
	"log-level":    "log_level",
	"sql-driver":   "relational.driver",
	"sql-dsn":      "relational.dsn",
}

// Load builds the configuration from defaults, the YAML file at path (or
// flatdb.yaml in the working directory when path is empty), the environment
// and the flags that were explicitly set. flags may be nil.
//
// The result is not validated.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")
	d := Default()
	if err := k.Load(confmap.Provider(map[string]any{
		"namespace":    d.Namespace,
		"data_dir":     d.DataDir,
		"lock_timeout": d.LockTimeout.String(),
		"log_level":    d.LogLevel,
	}, "."), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		for _, name := range configFiles {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return Config{}, dberrors.Configuration("config file: %v", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, dberrors.Configuration("error reading config file %s: %v", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return Config{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, dberrors.Configuration("unable to decode config: %v", err)
	}
	return cfg, nil
}

// Package config loads the storefront service configuration from an optional
// YAML file and STOREFRONT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
)

// Local storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	Log    logging.Config `yaml:"log"`
	Local  Local          `yaml:"local"`
	Remote Remote         `yaml:"remote"`
	Sync   Sync           `yaml:"sync"`
	HTTP   HTTP           `yaml:"http"`
}

// Local selects the durable on-device store.
type Local struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	EnableWAL bool   `yaml:"enable_wal"`
}

// Remote configures the DynamoDB tables and the Cognito user pool.
type Remote struct {
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint,omitempty"`
	UsersTable    string `yaml:"users_table"`
	ProductsTable string `yaml:"products_table"`
	CartTable     string `yaml:"cart_table"`
	UserPoolID    string `yaml:"user_pool_id,omitempty"`
	MaxRetries    int    `yaml:"max_retries"`
	// CreateTables provisions missing tables at startup. Meant for LocalStack.
	CreateTables bool `yaml:"create_tables"`
}

// Sync tunes the drain worker and the connectivity probe.
type Sync struct {
	Interval       time.Duration `yaml:"interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeFreshness time.Duration `yaml:"probe_freshness"`
	MaxAttempts    int           `yaml:"max_attempts"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout"`
}

// HTTP configures the API server.
type HTTP struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Log: logging.DefaultConfig,
		Local: Local{
			Driver:    DriverSQLite,
			DSN:       "storefront.db",
			EnableWAL: true,
		},
		Remote: Remote{
			Region:        "us-east-1",
			UsersTable:    "Users",
			ProductsTable: "Products",
			CartTable:     "Cart",
			MaxRetries:    3,
		},
		Sync: Sync{
			Interval:      300 * time.Second,
			ProbeTimeout:  3 * time.Second,
			DrainTimeout:  2 * time.Minute,
			RemoteTimeout: 10 * time.Second,
		},
		HTTP: HTTP{
			Addr:            ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path on top of Default, applies the environment and validates
// the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, syncErrors.E(syncErrors.OpConfig, syncErrors.KindInvalid,
				fmt.Errorf("failed to read config file %s: %w", path, err))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, syncErrors.E(syncErrors.OpConfig, syncErrors.KindInvalid,
				fmt.Errorf("failed to parse YAML config: %w", err))
		}
	}
	cfg.Log = logging.GetConfigFromEnv(cfg.Log)
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(key, err)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError(key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError(key, err)
		}
		*dst = d
		return nil
	}

	str("STOREFRONT_LOCAL_DRIVER", &c.Local.Driver)
	str("STOREFRONT_LOCAL_DSN", &c.Local.DSN)
	str("AWS_REGION", &c.Remote.Region)
	str("STOREFRONT_REMOTE_REGION", &c.Remote.Region)
	str("STOREFRONT_REMOTE_ENDPOINT", &c.Remote.Endpoint)
	str("STOREFRONT_USERS_TABLE", &c.Remote.UsersTable)
	str("STOREFRONT_PRODUCTS_TABLE", &c.Remote.ProductsTable)
	str("STOREFRONT_CART_TABLE", &c.Remote.CartTable)
	str("STOREFRONT_USER_POOL_ID", &c.Remote.UserPoolID)
	str("STOREFRONT_HTTP_ADDR", &c.HTTP.Addr)

	for _, apply := range []func() error{
		func() error { return boolean("STOREFRONT_LOCAL_ENABLE_WAL", &c.Local.EnableWAL) },
		func() error { return boolean("STOREFRONT_REMOTE_CREATE_TABLES", &c.Remote.CreateTables) },
		func() error { return integer("STOREFRONT_REMOTE_MAX_RETRIES", &c.Remote.MaxRetries) },
		func() error { return integer("STOREFRONT_SYNC_MAX_ATTEMPTS", &c.Sync.MaxAttempts) },
		func() error { return duration("STOREFRONT_SYNC_INTERVAL", &c.Sync.Interval) },
		func() error { return duration("STOREFRONT_SYNC_PROBE_TIMEOUT", &c.Sync.ProbeTimeout) },
		func() error { return duration("STOREFRONT_SYNC_PROBE_FRESHNESS", &c.Sync.ProbeFreshness) },
		func() error { return duration("STOREFRONT_SYNC_DRAIN_TIMEOUT", &c.Sync.DrainTimeout) },
		func() error { return duration("STOREFRONT_SYNC_REMOTE_TIMEOUT", &c.Sync.RemoteTimeout) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}

func envError(key string, err error) error {
	return syncErrors.E(syncErrors.OpConfig, syncErrors.KindInvalid, fmt.Errorf("invalid %s: %w", key, err))
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var problem string
	switch {
	case c.Local.Driver != DriverSQLite && c.Local.Driver != DriverPostgres:
		problem = fmt.Sprintf("local.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Local.Driver)
	case strings.TrimSpace(c.Local.DSN) == "":
		problem = "local.dsn is required"
	case c.Remote.Region == "":
		problem = "remote.region is required"
	case c.Remote.UsersTable == "" || c.Remote.ProductsTable == "" || c.Remote.CartTable == "":
		problem = "remote table names are required"
	case c.Remote.MaxRetries < 0:
		problem = "remote.max_retries cannot be negative"
	case c.Sync.Interval <= 0:
		problem = "sync.interval must be positive"
	case c.Sync.ProbeTimeout <= 0:
		problem = "sync.probe_timeout must be positive"
	case c.Sync.ProbeFreshness < 0:
		problem = "sync.probe_freshness cannot be negative"
	case c.Sync.MaxAttempts < 0:
		problem = "sync.max_attempts cannot be negative"
	case c.Sync.DrainTimeout < 0 || c.Sync.RemoteTimeout < 0:
		problem = "sync timeouts cannot be negative"
	case c.HTTP.Addr == "":
		problem = "http.addr is required"
	}
	if problem == "" {
		return nil
	}
	return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("%s", problem))
}

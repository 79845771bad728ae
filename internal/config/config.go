package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PROJFS_DATA_DIR.
const EnvPrefix = "PROJFS"

type Strict struct {
	ReadFile          bool `yaml:"readFile" envconfig:"READ_FILE"`
	Unlink            bool `yaml:"unlink" envconfig:"UNLINK"`
	RmdirRequireEmpty bool `yaml:"rmdirRequireEmpty" envconfig:"RMDIR_REQUIRE_EMPTY"`
}

type ConflictWatch struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	Burst    int           `yaml:"burst" envconfig:"BURST"`
}

type Events struct {
	BindAddr       string `yaml:"bindAddr" envconfig:"BIND_ADDR"`
	MaxConnections int    `yaml:"maxConnections" envconfig:"MAX_CONNECTIONS"`
}

type Metrics struct {
	BindAddr string `yaml:"bindAddr" envconfig:"BIND_ADDR"`
}

type Config struct {
	DataDir        string        `yaml:"dataDir" envconfig:"DATA_DIR"`
	InMemory       bool          `yaml:"inMemory" envconfig:"IN_MEMORY"`
	StoreIdleTTL   time.Duration `yaml:"storeIdleTTL" envconfig:"STORE_IDLE_TTL"`
	MemTableSize   int64         `yaml:"memTableSize" envconfig:"MEM_TABLE_SIZE"` // bytes, 0 keeps badger's default
	LogLevel       string        `yaml:"logLevel" envconfig:"LOG_LEVEL"`
	BadgerLogLevel string        `yaml:"badgerLogLevel" envconfig:"BADGER_LOG_LEVEL"`
	Strict         Strict        `yaml:"strict" envconfig:"STRICT"`
	ConflictWatch  ConflictWatch `yaml:"conflictWatch" envconfig:"CONFLICT_WATCH"`
	Events         Events        `yaml:"events" envconfig:"EVENTS"`
	Metrics        Metrics       `yaml:"metrics" envconfig:"METRICS"`
}

var (
	ErrConfigFileUnreadable         = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable     = errors.New("config file is unmarshallable")
	ErrEnvironmentInvalid           = errors.New("environment overrides are invalid")
	ErrDataDirMissing               = errors.New("dataDir is missing in config and is required unless inMemory is set")
	ErrStoreIdleTTLInvalid          = errors.New("storeIdleTTL must be positive")
	ErrMemTableSizeInvalid          = errors.New("memTableSize must not be negative")
	ErrLogLevelInvalid              = errors.New("logLevel is not one of debug, info, warn, error")
	ErrBadgerLogLevelInvalid        = errors.New("badgerLogLevel is not one of debug, info, warn, error")
	ErrConflictWatchIntervalInvalid = errors.New("conflictWatch.interval must be positive")
	ErrConflictWatchBurstInvalid    = errors.New("conflictWatch.burst must be at least 1")
	ErrEventsMaxConnectionsInvalid  = errors.New("events.maxConnections must be at least 1")
)

func Default() *Config {
	return &Config{
		DataDir:        "projfs_data",
		StoreIdleTTL:   time.Minute,
		LogLevel:       "info",
		BadgerLogLevel: "error",
		ConflictWatch: ConflictWatch{
			Interval: 5 * time.Second,
			Burst:    1,
		},
		Events: Events{
			BindAddr:       "127.0.0.1:8765",
			MaxConnections: 64,
		},
		Metrics: Metrics{
			BindAddr: "127.0.0.1:9465",
		},
	}
}

// Load reads configFile over the defaults, applies PROJFS_* environment
// overrides and validates the result. An empty configFile skips the file.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, errors.Wrapf(ErrConfigFileUnreadable, "%s: %v", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(ErrConfigFileUnmarshallable, "%s: %v", configFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(ErrEnvironmentInvalid, err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.DataDir == "" && !cfg.InMemory {
		return ErrDataDirMissing
	}
	if cfg.StoreIdleTTL <= 0 {
		return ErrStoreIdleTTLInvalid
	}
	if cfg.MemTableSize < 0 {
		return ErrMemTableSizeInvalid
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return ErrLogLevelInvalid
	}
	if _, err := ParseLevel(cfg.BadgerLogLevel); err != nil {
		return ErrBadgerLogLevelInvalid
	}
	if cfg.ConflictWatch.Interval <= 0 {
		return ErrConflictWatchIntervalInvalid
	}
	if cfg.ConflictWatch.Burst < 1 {
		return ErrConflictWatchBurstInvalid
	}
	if cfg.Events.MaxConnections < 1 {
		return ErrEventsMaxConnectionsInvalid
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return 0, err
	}
	return level, nil
}

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// CurrentVersion is the config schema version written by Save.
	CurrentVersion = 1

	// ConfigDirName is the per-project directory holding config.{json,toml,yaml}.
	ConfigDirName = ".codeindex"

	// EnvPrefix prefixes environment overrides, e.g. CODEINDEX_SEARCH_TIMEOUTMS.
	EnvPrefix = "CODEINDEX"
)

// Config represents the complete codeindex configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Filter  FilterConfig  `json:"filter" mapstructure:"filter"`
	Index   IndexConfig   `json:"index" mapstructure:"index"`
	Search  SearchConfig  `json:"search" mapstructure:"search"`
	Watcher WatcherConfig `json:"watcher" mapstructure:"watcher"`
}

// StorageConfig controls where per-project stores live.
type StorageConfig struct {
	// Root holds one directory per project, named by a hash of the project root.
	// Empty means <os.TempDir()>/codeindex.
	Root string `json:"root" mapstructure:"root"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
}

// FilterConfig extends the built-in eligibility rules.
type FilterConfig struct {
	ExcludeDirs      []string `json:"excludeDirs" mapstructure:"excludeDirs"`
	ExcludeFiles     []string `json:"excludeFiles" mapstructure:"excludeFiles"`
	ExtraExtensions  []string `json:"extraExtensions" mapstructure:"extraExtensions"`
	RespectGitignore bool     `json:"respectGitignore" mapstructure:"respectGitignore"`
	MaxFileSizeBytes int64    `json:"maxFileSizeBytes" mapstructure:"maxFileSizeBytes"`
}

// IndexConfig controls the index builder.
type IndexConfig struct {
	Workers int `json:"workers" mapstructure:"workers"`
}

// SearchConfig controls the search layer.
type SearchConfig struct {
	TimeoutMs          int      `json:"timeoutMs" mapstructure:"timeoutMs"`
	ProbeTimeoutMs     int      `json:"probeTimeoutMs" mapstructure:"probeTimeoutMs"`
	MaxProcesses       int      `json:"maxProcesses" mapstructure:"maxProcesses"`
	DefaultMaxResults  int      `json:"defaultMaxResults" mapstructure:"defaultMaxResults"`
	MaxCollected       int      `json:"maxCollected" mapstructure:"maxCollected"`
	DefaultMaxDistance int      `json:"defaultMaxDistance" mapstructure:"defaultMaxDistance"`
	CacheSize          int      `json:"cacheSize" mapstructure:"cacheSize"`
	DisabledTools      []string `json:"disabledTools" mapstructure:"disabledTools"`
}

// WatcherConfig controls the file watcher.
type WatcherConfig struct {
	Enabled         bool    `json:"enabled" mapstructure:"enabled"`
	DebounceSeconds float64 `json:"debounceSeconds" mapstructure:"debounceSeconds"`
	Workers         int     `json:"workers" mapstructure:"workers"`
	QueueSize       int     `json:"queueSize" mapstructure:"queueSize"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Logging: LoggingConfig{
			Format: "human",
			Level:  "warn",
		},
		Filter: FilterConfig{
			ExcludeDirs:      []string{},
			ExcludeFiles:     []string{},
			ExtraExtensions:  []string{},
			RespectGitignore: true,
			MaxFileSizeBytes: 5 * 1024 * 1024,
		},
		Index: IndexConfig{
			Workers: 8,
		},
		Search: SearchConfig{
			TimeoutMs:          10000,
			ProbeTimeoutMs:     3000,
			MaxProcesses:       4,
			DefaultMaxResults:  50,
			MaxCollected:       5000,
			DefaultMaxDistance: 1,
			CacheSize:          64,
			DisabledTools:      []string{},
		},
		Watcher: WatcherConfig{
			Enabled:         false,
			DebounceSeconds: 6,
			Workers:         1,
			QueueSize:       256,
		},
	}
}

// LoadConfig loads configuration for a project.
// Precedence: CODEINDEX_* env (including a project .env) > .codeindex/config.* > defaults.
func LoadConfig(projectRoot string) (*Config, error) {
	if projectRoot != "" {
		// Existing environment wins over .env entries.
		_ = godotenv.Load(filepath.Join(projectRoot, ".env"))
	}

	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	if projectRoot != "" {
		v.AddConfigPath(filepath.Join(projectRoot, ConfigDirName))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every leaf of def so env overrides apply to keys
// absent from the config file.
func setDefaults(v *viper.Viper, def *Config) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]interface{}); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// Save writes the configuration to path. The encoding follows the
// extension: .toml, .yaml/.yml, otherwise JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		data = buf.Bytes()
	case ".yaml", ".yml":
		out, err := yaml.Marshal(c)
		if err != nil {
			return err
		}
		data = out
	default:
		out, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
		data = out
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultPath returns the JSON config location for a project.
func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDirName, "config.json")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Index.Workers < 1 {
		return &ConfigError{Field: "index.workers", Message: "must be at least 1"}
	}
	if c.Search.TimeoutMs <= 0 {
		return &ConfigError{Field: "search.timeoutMs", Message: "must be positive"}
	}
	if c.Search.MaxProcesses < 1 {
		return &ConfigError{Field: "search.maxProcesses", Message: "must be at least 1"}
	}
	if c.Search.DefaultMaxResults < 1 {
		return &ConfigError{Field: "search.defaultMaxResults", Message: "must be at least 1"}
	}
	if c.Search.DefaultMaxDistance < 0 {
		return &ConfigError{Field: "search.defaultMaxDistance", Message: "must not be negative"}
	}
	if c.Watcher.DebounceSeconds <= 0 {
		return &ConfigError{Field: "watcher.debounceSeconds", Message: "must be positive"}
	}
	if c.Watcher.Workers < 1 {
		return &ConfigError{Field: "watcher.workers", Message: "must be at least 1"}
	}
	if c.Filter.MaxFileSizeBytes < 0 {
		return &ConfigError{Field: "filter.maxFileSizeBytes", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

// Package config loads credwrap configuration from an optional YAML file and
// CREDWRAP_* environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"credwrap/internal/logging"
	"credwrap/internal/vault"
)

const (
	EnvPrefix = "CREDWRAP_"

	// PassphraseEnv holds the store passphrase. It is read by the CLI
	// directly and never loaded into Config.
	PassphraseEnv = EnvPrefix + "PASSPHRASE"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Config is the full credwrap configuration.
type Config struct {
	Log     logging.Config `koanf:"log"`
	Store   StoreConfig    `koanf:"store"`
	Run     RunConfig      `koanf:"run"`
	Metrics MetricsConfig  `koanf:"metrics"`
}

// StoreConfig selects the encrypted store. An empty Path means no store:
// every answer comes from the human.
type StoreConfig struct {
	Path       string `koanf:"path"`
	KDFTime    uint32 `koanf:"kdf_time"`
	KDFMemory  uint32 `koanf:"kdf_memory"` // KiB
	KDFThreads uint8  `koanf:"kdf_threads"`
}

// KDFParams returns the parameters used when creating a new store.
func (s StoreConfig) KDFParams() vault.KDFParams {
	return vault.KDFParams{
		Algorithm: vault.KDFAlgorithm,
		Time:      s.KDFTime,
		Memory:    s.KDFMemory,
		Threads:   s.KDFThreads,
	}
}

type RunConfig struct {
	ScriptDir string `koanf:"script_dir"`

	// RequestRate caps control requests per second; 0 means no cap.
	RequestRate  float64 `koanf:"request_rate"`
	RequestBurst int     `koanf:"request_burst"`
}

type MetricsConfig struct {
	// Textfile, if set, receives a Prometheus textfile dump after each run.
	Textfile string `koanf:"textfile"`
}

// DefaultPath returns ~/.config/credwrap/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "credwrap", "config.yaml"), nil
}

// Load reads configuration with this precedence, highest first:
//  1. Environment variables (CREDWRAP_LOG_LEVEL -> log.level,
//     CREDWRAP_STORE_KDF_TIME -> store.kdf_time)
//  2. The YAML file at path, or DefaultPath() when path is empty
//  3. Defaults
//
// A missing file is an error only when path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	content, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps CREDWRAP_SECTION_FIELD_NAME to section.field_name. The
// passphrase is skipped.
func envKey(s string) string {
	if s == PassphraseEnv {
		return ""
	}
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func applyDefaults(cfg *Config) {
	def := logging.NewDefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Format
	}

	kdf := vault.DefaultKDFParams()
	if cfg.Store.KDFTime == 0 {
		cfg.Store.KDFTime = kdf.Time
	}
	if cfg.Store.KDFMemory == 0 {
		cfg.Store.KDFMemory = kdf.Memory
	}
	if cfg.Store.KDFThreads == 0 {
		cfg.Store.KDFThreads = kdf.Threads
	}
	if cfg.Run.RequestRate > 0 && cfg.Run.RequestBurst == 0 {
		cfg.Run.RequestBurst = 1
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Store.KDFParams().Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Run.RequestRate < 0 {
		return fmt.Errorf("run: request_rate must not be negative")
	}
	if c.Run.RequestBurst < 0 {
		return fmt.Errorf("run: request_burst must not be negative")
	}
	if c.Run.ScriptDir != "" {
		info, err := os.Stat(c.Run.ScriptDir)
		if err != nil {
			return fmt.Errorf("run: script_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("run: script_dir %s is not a directory", c.Run.ScriptDir)
		}
	}
	return nil
}

// Package config provides configuration for the graphlog server and CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7480").
	Listen string `yaml:"listen"`
	// DataDir is the directory holding the database file.
	DataDir string `yaml:"data_dir"`
	// DBFile is the database file name inside DataDir.
	DBFile string `yaml:"db_file"`
	// Memory keeps the log and working copies in process memory only.
	Memory bool `yaml:"memory"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Materialize lists glob patterns of graph ids replayed on commit.
	Materialize []string `yaml:"materialize"`
	// RepairInterval is how often hanging edges are reconciled. Zero disables it.
	RepairInterval time.Duration `yaml:"repair_interval"`
	// LockStripes sizes the per-identity lock table of each graph.
	LockStripes int `yaml:"lock_stripes"`
	// MaxBodySize is the maximum accepted request body in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`
	// Version is the server version string.
	Version string `yaml:"version"`
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		Listen:         getEnv("GRAPHLOG_LISTEN", ":7480"),
		DataDir:        getEnv("GRAPHLOG_DATA", "./data"),
		DBFile:         getEnv("GRAPHLOG_DB_FILE", "graphlog.db"),
		Memory:         getEnvBool("GRAPHLOG_MEMORY", false),
		LogLevel:       getEnv("GRAPHLOG_LOG_LEVEL", "info"),
		Materialize:    getEnvList("GRAPHLOG_MATERIALIZE", []string{"*"}),
		RepairInterval: getEnvDuration("GRAPHLOG_REPAIR_INTERVAL", 0),
		LockStripes:    getEnvInt("GRAPHLOG_LOCK_STRIPES", 1024),
		MaxBodySize:    getEnvInt64("GRAPHLOG_MAX_BODY_SIZE", 64*1024*1024), // 64MB default
		Version:        getEnv("GRAPHLOG_VERSION", "0.1.0"),
	}
}

// Load layers the YAML file at path over the environment defaults. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromArgs creates a Config from explicit values, with env fallbacks.
func FromArgs(listen, dataDir string) *Config {
	cfg := FromEnv()
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg
}

func (c *Config) Validate() error {
	if !c.Memory && c.DBFile == "" {
		return fmt.Errorf("config: db_file is required unless memory is set")
	}
	if c.RepairInterval < 0 {
		return fmt.Errorf("config: repair_interval must not be negative")
	}
	if c.LockStripes < 0 {
		return fmt.Errorf("config: lock_stripes must not be negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvList splits a comma separated value.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

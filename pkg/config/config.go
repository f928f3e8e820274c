package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of environment variables overriding the config file
const EnvPrefix = "QAPT"

// Config represents the qapt configuration
type Config struct {
	// Directory where qapt keeps its state (index, history, logs)
	RootDir string `json:"root_dir"`
	// Command used to spawn the privileged worker
	WorkerCommand []string `json:"worker_command,omitempty"`
	// Database URL for the search index and history (optional, defaults to a file under RootDir)
	DatabaseURL string `json:"database_url,omitempty"`
	// Architectures besides the native one whose packages are listed
	ForeignArchitectures []string `json:"foreign_architectures,omitempty"`
	// Disables opening the search index on init
	DisableIndex bool `json:"disable_index,omitempty"`
	// Log level: debug, info, warn, error
	LogLevel string `json:"log_level,omitempty"`
	// Human readable console logs instead of JSON
	LogDevelopment bool `json:"log_development,omitempty"`

	// file holds the values read from disk before the environment
	// overlay, env the overlay itself
	file *Config
	env  envOverrides
}

// envOverrides mirrors the fields that can be set from QAPT_* variables.
// Unset variables leave the file configuration untouched.
type envOverrides struct {
	RootDir              string   `envconfig:"ROOT_DIR"`
	WorkerCommand        []string `envconfig:"WORKER_COMMAND"`
	DatabaseURL          string   `envconfig:"DATABASE_URL"`
	ForeignArchitectures []string `envconfig:"FOREIGN_ARCHITECTURES"`
	DisableIndex         *bool    `envconfig:"DISABLE_INDEX"`
	LogLevel             string   `envconfig:"LOG_LEVEL"`
	LogDevelopment       *bool    `envconfig:"LOG_DEV"`
}

// Directories represents the qapt directory structure
type Directories struct {
	// Root directory for all qapt data
	Root string
	// Directory for configuration files
	Config string
	// Directory for database files
	DB string
	// Directory for log files
	Logs string
}

// DefaultWorkerCommand is the worker spawned when none is configured
var DefaultWorkerCommand = []string{"pkexec", "/usr/lib/qapt/qaptworker"}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return &Config{
		RootDir:       filepath.Join(homeDir, ".local", "share", "qapt"),
		WorkerCommand: append([]string(nil), DefaultWorkerCommand...),
		LogLevel:      "warn",
	}
}

// GetDirectories returns the qapt directory structure based on the root directory
func (c *Config) GetDirectories() *Directories {
	return &Directories{
		Root:   c.RootDir,
		Config: filepath.Join(c.RootDir, "config"),
		DB:     filepath.Join(c.RootDir, "db"),
		Logs:   filepath.Join(c.RootDir, "logs"),
	}
}

// Database returns the database URL, defaulting to a file in the DB directory
func (c *Config) Database() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return "file:" + filepath.Join(c.GetDirectories().DB, "qapt.db")
}

// Worker returns the worker command, falling back to DefaultWorkerCommand
func (c *Config) Worker() []string {
	if len(c.WorkerCommand) == 0 {
		return append([]string(nil), DefaultWorkerCommand...)
	}
	return c.WorkerCommand
}

// Load loads the configuration from the default location and applies
// QAPT_* environment overrides
func Load() (*Config, error) {
	configFile, err := path()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(configFile)
	switch {
	case os.IsNotExist(err):
		// defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	file := *cfg
	cfg.file = &file
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if env.RootDir != "" {
		c.RootDir = env.RootDir
	}
	if len(env.WorkerCommand) > 0 {
		c.WorkerCommand = env.WorkerCommand
	}
	if env.DatabaseURL != "" {
		c.DatabaseURL = env.DatabaseURL
	}
	if len(env.ForeignArchitectures) > 0 {
		c.ForeignArchitectures = env.ForeignArchitectures
	}
	if env.DisableIndex != nil {
		c.DisableIndex = *env.DisableIndex
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.LogDevelopment != nil {
		c.LogDevelopment = *env.LogDevelopment
	}
	c.env = env
	return nil
}

// persisted returns the configuration to write to disk. Fields still
// holding their environment value get their file value back, so a
// temporary QAPT_* variable is never saved.
func (c *Config) persisted() *Config {
	out := *c
	out.file, out.env = nil, envOverrides{}
	f, env := c.file, c.env
	if f == nil {
		return &out
	}

	if env.RootDir != "" && out.RootDir == env.RootDir {
		out.RootDir = f.RootDir
	}
	if len(env.WorkerCommand) > 0 && slices.Equal(out.WorkerCommand, env.WorkerCommand) {
		out.WorkerCommand = f.WorkerCommand
	}
	if env.DatabaseURL != "" && out.DatabaseURL == env.DatabaseURL {
		out.DatabaseURL = f.DatabaseURL
	}
	if len(env.ForeignArchitectures) > 0 && slices.Equal(out.ForeignArchitectures, env.ForeignArchitectures) {
		out.ForeignArchitectures = f.ForeignArchitectures
	}
	if env.DisableIndex != nil && out.DisableIndex == *env.DisableIndex {
		out.DisableIndex = f.DisableIndex
	}
	if env.LogLevel != "" && out.LogLevel == env.LogLevel {
		out.LogLevel = f.LogLevel
	}
	if env.LogDevelopment != nil && out.LogDevelopment == *env.LogDevelopment {
		out.LogDevelopment = f.LogDevelopment
	}
	return &out
}

// Save saves the configuration to the default location
func (c *Config) Save() error {
	configFile, err := path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c.persisted(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EnsureDirectories creates all necessary qapt directories if they don't exist
func (c *Config) EnsureDirectories() error {
	dirs := c.GetDirectories()
	for _, dir := range []string{
		dirs.Root,
		dirs.Config,
		dirs.DB,
		dirs.Logs,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "qapt", "config.json"), nil
}

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConfigureOperation represents a configuration operation
type ConfigureOperation struct {
	Name        string
	Description string
	Handler     func(cfg *Config, out io.Writer, args []string) error
}

// GetOperations returns available configuration operations
func GetOperations() []ConfigureOperation {
	return []ConfigureOperation{
		{
			Name:        "worker",
			Description: "Set the worker command",
			Handler:     configureWorker,
		},
		{
			Name:        "root",
			Description: "Change root directory",
			Handler:     configureRootDir,
		},
		{
			Name:        "index",
			Description: "Enable or disable the search index",
			Handler:     configureIndex,
		},
		{
			Name:        "show",
			Description: "Show current configuration",
			Handler:     showConfig,
		},
	}
}

// FindOperation returns the operation with the given name
func FindOperation(name string) (ConfigureOperation, bool) {
	for _, op := range GetOperations() {
		if op.Name == name {
			return op, true
		}
	}
	return ConfigureOperation{}, false
}

func configureWorker(cfg *Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		cfg.WorkerCommand = nil
		fmt.Fprintln(out, "Worker command reset to default")
	} else {
		cfg.WorkerCommand = args
		fmt.Fprintf(out, "Worker command set to %s\n", strings.Join(args, " "))
	}
	return cfg.Save()
}

func configureRootDir(cfg *Config, out io.Writer, args []string) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(out, "Root directory unchanged")
		return nil
	}
	newDir := strings.TrimSpace(args[0])

	// Expand ~ to home directory
	if newDir == "~" || strings.HasPrefix(newDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		if newDir == "~" {
			newDir = home
		} else {
			newDir = filepath.Join(home, newDir[2:])
		}
	}

	absPath, err := filepath.Abs(newDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	cfg.RootDir = absPath
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Fprintf(out, "Root directory changed to %s\n", absPath)
	fmt.Fprintln(out, "Note: the search index will be rebuilt at the new location")
	return nil
}

func configureIndex(cfg *Config, out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected on or off")
	}
	enabled, err := strconv.ParseBool(strings.NewReplacer("on", "true", "off", "false").Replace(args[0]))
	if err != nil {
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	cfg.DisableIndex = !enabled
	if enabled {
		fmt.Fprintln(out, "Search index enabled")
	} else {
		fmt.Fprintln(out, "Search index disabled")
	}
	return cfg.Save()
}

func showConfig(cfg *Config, out io.Writer, _ []string) error {
	fmt.Fprintln(out, "Current configuration:")
	fmt.Fprintf(out, "Root directory: %s\n", cfg.RootDir)
	fmt.Fprintf(out, "Worker command: %s\n", strings.Join(cfg.Worker(), " "))
	fmt.Fprintf(out, "Database: %s\n", cfg.Database())
	if len(cfg.ForeignArchitectures) > 0 {
		fmt.Fprintf(out, "Foreign architectures: %s\n", strings.Join(cfg.ForeignArchitectures, ", "))
	}
	if cfg.DisableIndex {
		fmt.Fprintln(out, "Search index: [disabled]")
	} else {
		fmt.Fprintln(out, "Search index: [enabled]")
	}
	return nil
}

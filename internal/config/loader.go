package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.taskmesh/config.json
// Project: .taskmesh/config.json (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskmesh", "config.json"), filepath.Join(".taskmesh", "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Fields absent from the file keep their current value; workflows merge by name.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if base.Workflows == nil {
		base.Workflows = map[string]WorkflowConfig{}
	}
	return nil
}

// Validate checks field constraints and returns every violation in one error.
func (c *Config) Validate() error {
	if c.Storage.Encrypt && c.Storage.KeyFile == "" && c.Storage.Passphrase == "" {
		return errors.New("invalid config: storage.encrypt needs key_file or a passphrase")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

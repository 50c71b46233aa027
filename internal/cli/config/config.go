// Package config loads and persists the kernelbridge configuration file:
// daemon settings plus the bindings seeded into the registry at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"kernelbridge/internal/binding"
)

// Config models the ~/.kernelbridge/config file.
type Config struct {
	DataDir      string              `yaml:"dataDir,omitempty"`
	WorkflowDirs []string            `yaml:"workflowDirs,omitempty"`
	NATS         NATS                `yaml:"nats,omitempty"`
	Bindings     map[string]*Binding `yaml:"bindings,omitempty"`
}

// NATS holds the front-end sync channel connection settings.
type NATS struct {
	URL      string `yaml:"url,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Binding is a configured execution target as written in the file.
type Binding struct {
	Kernel     string             `yaml:"kernel,omitempty"`
	Connection binding.Connection `yaml:"connection"`
}

// Load decodes the config file. Missing files return an empty config so a
// fresh install works without one.
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = DefaultConfigPath()
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return err
	}
	return nil
}

// ResolveDataDir returns the configured data directory, defaulting to the
// config home.
func (c *Config) ResolveDataDir() string {
	if c != nil && strings.TrimSpace(c.DataDir) != "" {
		dir, err := expandPath(c.DataDir)
		if err == nil {
			return dir
		}
	}
	return DefaultConfigDir()
}

// Seed upserts every configured binding into the registry, in name order so
// startup is deterministic.
func (c *Config) Seed(reg *binding.Registry) error {
	if c == nil || len(c.Bindings) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.Bindings))
	for name := range c.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := c.Bindings[name]
		conn := spec.Connection
		if _, err := reg.Set(name, binding.SetOptions{
			Kernel:     spec.Kernel,
			Connection: &conn,
		}); err != nil {
			return fmt.Errorf("binding %s: %w", name, err)
		}
	}
	return nil
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}

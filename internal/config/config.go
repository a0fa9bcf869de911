// Copyright 2026 The Reposcape Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for reposcape-mount.
//
// Configuration is loaded from a single file specified by:
//   - REPOSCAPE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery, so configuration
// stays deterministic and auditable. The only expansion performed is
// ${VAR} and ${VAR:-default} substitution in path-like fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the mount(config) input described by the filesystem
// surface's external interface.
type Config struct {
	// MountPoint is the directory where the filesystem is mounted.
	MountPoint string `yaml:"mount_point"`

	// CacheRoot is the on-disk root under which every repository's
	// mirror, worktrees, and current symlink live.
	CacheRoot string `yaml:"cache_root"`

	// Host is the base URL of the git host repositories are cloned
	// from, e.g. "https://github.com".
	Host string `yaml:"host"`

	// TTL is how long a published generation is considered fresh
	// before ensure_current attempts a refresh.
	TTL time.Duration `yaml:"ttl"`

	// WatchTTL is the effective TTL for repositories with an active
	// watch (see lib/reposcache SetWatch).
	WatchTTL time.Duration `yaml:"watch_ttl"`

	// RetentionGenerations is how many superseded generations are
	// kept on disk (in addition to the currently published one)
	// before being pruned.
	RetentionGenerations int `yaml:"retention_generations"`

	// EntryCacheTTL and AttrCacheTTL configure the FUSE kernel
	// caches for lookups and attribute reads respectively.
	EntryCacheTTL time.Duration `yaml:"entry_cache_ttl"`
	AttrCacheTTL  time.Duration `yaml:"attr_cache_ttl"`

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`

	// GitHubTokenEnv names an environment variable holding a bearer
	// token for private-repository access and probing. The token
	// itself is never written to the config file.
	GitHubTokenEnv string `yaml:"github_token_env"`

	// ProbeCacheTTL is the in-process cache TTL for repoprobe
	// results.
	ProbeCacheTTL time.Duration `yaml:"probe_cache_ttl"`
}

// Default returns the default configuration. The config file is
// required regardless; these defaults only guarantee sensible
// zero-values for fields the file omits.
func Default() *Config {
	return &Config{
		Host:                 "https://github.com",
		TTL:                  24 * time.Hour,
		WatchTTL:             time.Minute,
		RetentionGenerations: 1,
		EntryCacheTTL:        time.Second,
		AttrCacheTTL:         time.Second,
		ProbeCacheTTL:        5 * time.Minute,
	}
}

// Load loads configuration from the REPOSCAPE_CONFIG environment
// variable. There is no fallback: if it is unset, this fails.
func Load() (*Config, error) {
	path := os.Getenv("REPOSCAPE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("REPOSCAPE_CONFIG environment variable not set; " +
			"set it to the path of your reposcape.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GitHubToken resolves the configured bearer token from the
// environment, returning "" if GitHubTokenEnv is unset or empty.
func (c *Config) GitHubToken() string {
	if c.GitHubTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.GitHubTokenEnv)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// path-like fields against the process environment.
func (c *Config) expandVariables() {
	c.MountPoint = expandVars(c.MountPoint)
	c.CacheRoot = expandVars(c.CacheRoot)
}

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for the fields the mount
// operation cannot proceed without.
func (c *Config) Validate() error {
	var errs []error

	if c.MountPoint == "" {
		errs = append(errs, fmt.Errorf("mount_point is required"))
	}
	if c.CacheRoot == "" {
		errs = append(errs, fmt.Errorf("cache_root is required"))
	}
	if c.Host == "" {
		errs = append(errs, fmt.Errorf("host is required"))
	}
	if c.TTL <= 0 {
		errs = append(errs, fmt.Errorf("ttl must be positive"))
	}
	if c.RetentionGenerations < 0 {
		errs = append(errs, fmt.Errorf("retention_generations must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the mount point and cache root if they do not
// already exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.MountPoint, c.CacheRoot} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

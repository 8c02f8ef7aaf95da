package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/always-cache/precache"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const EnvPrefix = "PRECACHE_"

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (PRECACHE_*).
// Nested keys are separated by a double underscore, e.g.
// PRECACHE_MANIFEST__VERSION sets manifest.version.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if len(cfg.Manifest.URLs) == 0 {
		cfg.Manifest.URLs = append([]string(nil), DefaultURLs...)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if err := c.Manifest.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Origin == "" && c.SiteDir == "" {
		return fmt.Errorf("either origin or site_dir is required")
	}
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid origin %q: must be an absolute URL", c.Origin)
		}
	}
	if c.Cleanup != "" && !c.Cleanup.Valid() {
		return fmt.Errorf("invalid cleanup %q: must be one of %s, %s", c.Cleanup, precache.CleanupRetain, precache.CleanupDeleteStale)
	}
	if c.InstallConcurrency < 0 {
		return fmt.Errorf("install_concurrency must be non-negative")
	}
	return nil
}

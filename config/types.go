package config

import (
	"github.com/always-cache/precache"
	"github.com/always-cache/precache/contact"
	"github.com/always-cache/precache/site"
)

// Config is the top-level configuration, corresponding to precache.yml.
type Config struct {
	Manifest precache.Manifest `yaml:"manifest" koanf:"manifest"`
	// Address to listen on, e.g. `:8080`.
	Listen string `yaml:"listen" koanf:"listen"`
	// Origin to proxy. If set, the worker runs in front of it instead of the built-in site.
	Origin string `yaml:"origin,omitempty" koanf:"origin"`
	// Hostname for origin requests and TLS negotiation.
	OriginHost string `yaml:"origin_host,omitempty" koanf:"origin_host"`
	// Directory with the static site, used when no origin is set.
	SiteDir string `yaml:"site_dir" koanf:"site_dir"`
	// SQLite file holding the buckets. Buckets are kept in memory if empty.
	Database           string                 `yaml:"database" koanf:"database"`
	Cleanup            precache.CleanupPolicy `yaml:"cleanup" koanf:"cleanup"`
	SkipWaiting        bool                   `yaml:"skip_waiting" koanf:"skip_waiting"`
	InstallConcurrency int                    `yaml:"install_concurrency" koanf:"install_concurrency"`
	CORSOrigins        []string               `yaml:"cors_origins,omitempty" koanf:"cors_origins"`
	Contact            ContactConfig          `yaml:"contact" koanf:"contact"`
	Projects           []site.Project         `yaml:"projects,omitempty" koanf:"projects"`
}

type ContactConfig struct {
	SMTP contact.SMTPConfig `yaml:"smtp" koanf:"smtp"`
	// SQLite file the contact inbox is kept in. No inbox if empty.
	Inbox string `yaml:"inbox,omitempty" koanf:"inbox"`
}

// Mode tells whether the worker proxies an origin or serves the built-in site.
func (c *Config) Mode() string {
	if c.Origin != "" {
		return "proxy"
	}
	return "site"
}

package config

import (
	"github.com/always-cache/precache"
	"github.com/always-cache/precache/contact"
)

// DefaultURLs are precached when the configuration lists none.
var DefaultURLs = []string{
	"/",
	"/css/style.css",
	"/js/script.js",
	"profile picture - bautista.jpg",
	"MOS Associate - Bautista.png",
	"MOS Word-Bautista.png",
	"MOS Powerpoint-Bautista.png",
	"MOS Excel-Bautista.png",
}

// DefaultConfig returns a Config populated with sensible defaults.
// The URL list is left empty and filled in by Load if nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Manifest: precache.Manifest{
			Name:    "veeny-portfolio",
			Version: "1.2",
			Scope:   "/",
		},
		Listen:             ":8080",
		SiteDir:            "public",
		Cleanup:            precache.CleanupRetain,
		InstallConcurrency: precache.DefaultInstallConcurrency,
		Contact: ContactConfig{
			SMTP: contact.SMTPConfig{Port: "587"},
		},
	}
}

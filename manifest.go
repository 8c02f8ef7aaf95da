package precache

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"

	"gopkg.in/yaml.v3"
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+$`)

// Manifest lists the resources a worker version stores on install.
type Manifest struct {
	// Name of the app, e.g. `veeny-portfolio`.
	Name string `yaml:"name" json:"name" koanf:"name"`
	// Version in `<major>.<minor>` format.
	// Bumping it makes the next install populate a new bucket.
	Version string `yaml:"version" json:"version" koanf:"version"`
	// Scope that relative URLs are resolved against. Defaults to `/`.
	Scope string `yaml:"scope" json:"scope,omitempty" koanf:"scope"`
	// URLs to precache, in order. Literal file names (including spaces) are kept as is.
	URLs []string `yaml:"urls" json:"urls" koanf:"urls"`
}

// CacheName returns the name of the bucket this manifest is stored in,
// e.g. `veeny-portfolio-v1.2`.
func (m Manifest) CacheName() string {
	return m.Name + "-v" + m.Version
}

// bucketVersion returns the version part of a bucket name of the named app.
// It reports false for buckets of other apps, including apps whose name
// merely starts with the same prefix.
func bucketVersion(app, bucket string) (string, bool) {
	version, ok := strings.CutPrefix(bucket, app+"-v")
	if !ok || !versionPattern.MatchString(version) {
		return "", false
	}
	return version, true
}

// versionLess orders `<major>.<minor>` versions numerically.
func versionLess(a, b string) bool {
	aMajor, aMinor, _ := strings.Cut(a, ".")
	bMajor, bMinor, _ := strings.Cut(b, ".")
	if x, y := atoi(aMajor), atoi(bMajor); x != y {
		return x < y
	}
	return atoi(aMinor) < atoi(bMinor)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// PreviousManifest finds the newest non-empty bucket of the same app
// other than the manifest's own and returns a manifest describing it.
// Its URLs are the keys stored in that bucket, so a worker created from it
// installs without touching the network.
// The boolean is false if there is no such bucket.
func PreviousManifest(storage cache.Storage, m Manifest) (Manifest, bool, error) {
	names, err := storage.Names()
	if err != nil {
		return Manifest{}, false, err
	}
	keyer, err := cachekey.NewCacheKeyer(m.Scope)
	if err != nil {
		return Manifest{}, false, err
	}
	var best Manifest
	found := false
	for _, name := range names {
		version, ok := bucketVersion(m.Name, name)
		if !ok || name == m.CacheName() {
			continue
		}
		if found && !versionLess(best.Version, version) {
			continue
		}
		bucket, err := storage.Open(name)
		if err != nil {
			return Manifest{}, false, err
		}
		keys, err := bucket.Keys()
		if err != nil {
			return Manifest{}, false, err
		}
		if len(keys) == 0 {
			continue
		}
		urls := make([]string, 0, len(keys))
		for _, key := range keys {
			req, err := keyer.GetRequestFromKey(key)
			if err != nil {
				return Manifest{}, false, fmt.Errorf("bucket %s: %w", name, err)
			}
			urls = append(urls, req.URL.RequestURI())
		}
		best = Manifest{Name: m.Name, Version: version, Scope: m.Scope, URLs: urls}
		found = true
	}
	return best, found, nil
}

// Keys returns the cache keys of the manifest URLs, in order.
// It returns an error if any URL is invalid or if two URLs resolve to the same resource.
func (m Manifest) Keys() ([]string, error) {
	keyer, err := cachekey.NewCacheKeyer(m.Scope)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.URLs))
	seen := make(map[string]string, len(m.URLs))
	for _, raw := range m.URLs {
		key, err := keyer.ManifestKey(raw)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("duplicate manifest entry: %q and %q", prev, raw)
		}
		seen[key] = raw
		keys = append(keys, key)
	}
	return keys, nil
}

// Validate checks that the manifest can be installed.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if !versionPattern.MatchString(m.Version) {
		return fmt.Errorf("invalid manifest version %q: must be <major>.<minor>", m.Version)
	}
	if _, err := m.Keys(); err != nil {
		return err
	}
	return nil
}

// LoadManifest reads a manifest from a YAML file.
func LoadManifest(filename string) (Manifest, error) {
	var manifest Manifest
	manifestBytes, err := os.ReadFile(filename)
	if err != nil {
		return manifest, err
	}
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return manifest, fmt.Errorf("parsing manifest %s: %w", filename, err)
	}
	return manifest, manifest.Validate()
}

package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer derives cache keys for requests within a worker scope.
// Only GET requests have keys, since only GET requests are precached.
type CacheKeyer struct {
	// Scope that relative manifest URLs are resolved against.
	// Usually this is the site root.
	Scope *url.URL
}

// NewCacheKeyer returns a keyer for the given scope.
// An empty scope means the site root.
func NewCacheKeyer(scope string) (CacheKeyer, error) {
	if scope == "" {
		scope = "/"
	}
	u, err := url.Parse(scope)
	if err != nil {
		return CacheKeyer{}, fmt.Errorf("parsing scope %q: %w", scope, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return CacheKeyer{Scope: u}, nil
}

// Resolve resolves a (possibly relative) manifest URL against the scope.
// Literal file names are kept as they are and only escaped in the resulting URI,
// e.g. `profile picture.jpg` becomes `/profile%20picture.jpg`.
func (c CacheKeyer) Resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest url %q: %w", raw, err)
	}
	u := c.Scope.ResolveReference(ref)
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// ManifestKey returns the key a manifest URL is stored under.
func (c CacheKeyer) ManifestKey(raw string) (string, error) {
	u, err := c.Resolve(raw)
	if err != nil {
		return "", err
	}
	return http.MethodGet + methodSeparator + u.RequestURI(), nil
}

// GetKey returns the key to look up for an intercepted request.
// Requests with other methods than GET never match anything.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return http.MethodGet + methodSeparator + r.URL.RequestURI(), nil
}

// GetRequestFromKey creates a GET request for the resource identified by the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

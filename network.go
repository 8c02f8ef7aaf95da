package precache

import (
	"crypto/tls"
	"net/http"
	"net/url"

	tee "github.com/always-cache/precache/pkg/response-writer-tee"
)

// Network performs the requests a worker cannot answer from its bucket,
// as well as the precache requests made during install.
type Network interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(r *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

// OriginNetwork fetches resources from an origin server.
type OriginNetwork struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

// NewOriginNetwork creates a network for the given origin.
// Origins with paths are not supported.
// If originHost is set, it is used for the Host header and for TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOriginNetwork(originURL url.URL, originHost string) *OriginNetwork {
	n := &OriginNetwork{
		originURL:  originURL,
		originHost: originHost,
		httpClient: http.Client{
			// do not follow redirects, the client gets to decide
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if originHost != "" {
		n.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return n
}

// Fetch sends the request to the origin, keeping its method, headers and body.
func (n *OriginNetwork) Fetch(r *http.Request) (*http.Response, error) {
	uri := n.originURL.Scheme + "://" + n.originURL.Host + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	if n.originHost != "" {
		req.Host = n.originHost
	}
	copyHeader(req.Header, r.Header)
	removeHopByHopHeaders(req.Header)
	return n.httpClient.Do(req)
}

// HandlerNetwork uses an in-process handler as the network,
// e.g. the router of the site the worker is installed for.
type HandlerNetwork struct {
	Handler http.Handler
}

// Fetch runs the handler and returns what it wrote as a response.
func (n HandlerNetwork) Fetch(r *http.Request) (*http.Response, error) {
	rs := tee.NewResponseSaver(nil)
	n.Handler.ServeHTTP(rs, r)
	return rs.Response(r), nil
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// upstream proxy headers confuse some servers
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

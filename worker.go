package precache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/precache/cache"
	"github.com/always-cache/precache/cachestatus"
	cachekey "github.com/always-cache/precache/pkg/cache-key"
	serializer "github.com/always-cache/precache/pkg/response-serializer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotActive      = errors.New("worker is not active")
	ErrInvalidState   = errors.New("invalid worker state transition")
	ErrPrecacheFailed = errors.New("precache failed")
)

// BadStatusError is returned when a precache request gets a non-2xx response.
type BadStatusError struct {
	URL        string
	StatusCode int
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("bad response status %d for %s", e.StatusCode, e.URL)
}

const DefaultInstallConcurrency = 4

// CleanupPolicy decides what happens to buckets of older versions on activation.
type CleanupPolicy string

const (
	// CleanupRetain leaves older buckets in storage.
	CleanupRetain CleanupPolicy = "retain"
	// CleanupDeleteStale deletes the buckets of other versions of the same app.
	CleanupDeleteStale CleanupPolicy = "delete-stale"
)

func (p CleanupPolicy) Valid() bool {
	return p == CleanupRetain || p == CleanupDeleteStale
}

type State int

const (
	StateUnregistered State = iota
	StateInstalling
	StateInstalled
	StateInstallFailed
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateInstallFailed:
		return "install-failed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	// Resources to precache.
	Manifest Manifest
	// Storage that holds the buckets.
	Storage cache.Storage
	// Network used for precaching and for requests not in the bucket.
	Network Network
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// What to do with buckets of older versions on activation. Defaults to CleanupRetain.
	Cleanup CleanupPolicy
	// Maximum number of concurrent precache requests. Defaults to DefaultInstallConcurrency.
	InstallConcurrency int
}

// Worker is one version of the offline cache.
// It precaches its manifest on install and, once active,
// answers requests cache-first.
type Worker struct {
	id          string
	manifest    Manifest
	storage     cache.Storage
	network     Network
	keyer       cachekey.CacheKeyer
	cleanup     CleanupPolicy
	concurrency int
	log         zerolog.Logger

	mutex      sync.RWMutex
	state      State
	installErr error
	// reader is set on activation and is the only handle the fetch path uses
	reader cache.Reader
}

// NewWorker creates an unregistered worker for the manifest.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Manifest.Validate(); err != nil {
		return nil, err
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	if config.Cleanup == "" {
		config.Cleanup = CleanupRetain
	}
	if !config.Cleanup.Valid() {
		return nil, fmt.Errorf("unknown cleanup policy %q", config.Cleanup)
	}
	if config.InstallConcurrency <= 0 {
		config.InstallConcurrency = DefaultInstallConcurrency
	}
	keyer, err := cachekey.NewCacheKeyer(config.Manifest.Scope)
	if err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	id := uuid.NewString()
	logger = logger.With().
		Str("worker", id).
		Str("bucket", config.Manifest.CacheName()).
		Logger()

	return &Worker{
		id:          id,
		manifest:    config.Manifest,
		storage:     config.Storage,
		network:     config.Network,
		keyer:       keyer,
		cleanup:     config.Cleanup,
		concurrency: config.InstallConcurrency,
		log:         logger,
		state:       StateUnregistered,
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Manifest() Manifest {
	return w.manifest
}

func (w *Worker) State() State {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

// InstallError returns why the install failed, if it did.
func (w *Worker) InstallError() error {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.installErr
}

func (w *Worker) transition(from, to State) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s to %s (worker is %s)", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	w.log.Info().Str("state", to.String()).Msg("Worker state changed")
	return nil
}

// Install precaches the manifest URLs into the worker's bucket.
// URLs already in the bucket are not fetched again, so installing a version
// whose bucket is complete never touches the network and never rewrites it.
// Either every missing response is stored or none is.
// On failure the worker ends up install-failed and is never activated.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateUnregistered, StateInstalling); err != nil {
		return err
	}
	start := time.Now()
	fetched := 0
	bucket, err := w.storage.Open(w.manifest.CacheName())
	if err == nil {
		fetched, err = w.precache(ctx, bucket)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if err != nil {
		w.state = StateInstallFailed
		w.installErr = err
		w.log.Error().Err(err).Str("state", w.state.String()).Msg("Install failed")
		return err
	}
	w.state = StateInstalled
	w.log.Info().
		Str("state", w.state.String()).
		Int("entries", len(w.manifest.URLs)).
		Int("fetched", fetched).
		Dur("duration", time.Since(start)).
		Msg("Worker state changed")
	return nil
}

// missingURLs returns the manifest URLs that have no entry in the bucket yet.
func (w *Worker) missingURLs(bucket cache.Reader) ([]string, error) {
	stored, err := bucket.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing bucket %s: %w", bucket.Name(), err)
	}
	have := make(map[string]bool, len(stored))
	for _, key := range stored {
		have[key] = true
	}
	var missing []string
	for _, raw := range w.manifest.URLs {
		key, err := w.keyer.ManifestKey(raw)
		if err != nil {
			return nil, err
		}
		if !have[key] {
			missing = append(missing, raw)
		}
	}
	return missing, nil
}

// precache fetches the missing manifest URLs and writes them in one batch.
// The first failure cancels the remaining requests.
// It returns the number of responses stored.
func (w *Worker) precache(ctx context.Context, bucket cache.Bucket) (int, error) {
	urls, err := w.missingURLs(bucket)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPrecacheFailed, err)
	}
	if len(urls) == 0 {
		w.log.Info().Msg("Bucket already holds every manifest entry")
		return 0, nil
	}
	entries := make([]cache.Entry, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, raw := range urls {
		i, raw := i, raw
		g.Go(func() error {
			entry, err := w.fetchEntry(ctx, raw)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPrecacheFailed, raw, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := bucket.PutAll(entries); err != nil {
		return 0, fmt.Errorf("%w: storing responses: %w", ErrPrecacheFailed, err)
	}
	return len(entries), nil
}

func (w *Worker) fetchEntry(ctx context.Context, raw string) (cache.Entry, error) {
	u, err := w.keyer.Resolve(raw)
	if err != nil {
		return cache.Entry{}, err
	}
	key, err := w.keyer.ManifestKey(raw)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	w.log.Trace().Str("key", key).Msg("Precaching")
	res, err := w.network.Fetch(req)
	if err != nil {
		return cache.Entry{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, &BadStatusError{URL: raw, StatusCode: res.StatusCode}
	}
	resBytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: key, StoredAt: time.Now(), Bytes: resBytes}, nil
}

// Activate makes an installed worker start handling fetches.
// Older buckets are cleaned up according to the cleanup policy.
func (w *Worker) Activate() error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	if w.cleanup == CleanupDeleteStale {
		w.deleteStaleBuckets()
	}
	bucket, err := w.storage.Open(w.manifest.CacheName())
	if err != nil {
		w.mutex.Lock()
		w.state = StateInstalled
		w.mutex.Unlock()
		return fmt.Errorf("opening bucket for reading: %w", err)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.state != StateActivating {
		// marked redundant while activating
		return fmt.Errorf("%w: activating to active (worker is %s)", ErrInvalidState, w.state)
	}
	w.reader = bucket
	w.state = StateActive
	w.log.Info().Str("state", w.state.String()).Msg("Worker state changed")
	return nil
}

func (w *Worker) deleteStaleBuckets() {
	names, err := w.storage.Names()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list buckets for cleanup")
		return
	}
	current := w.manifest.CacheName()
	for _, name := range names {
		if _, ok := bucketVersion(w.manifest.Name, name); !ok || name == current {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.log.Error().Err(err).Str("stale", name).Msg("Could not delete stale bucket")
			continue
		}
		w.log.Info().Str("stale", name).Msg("Deleted stale bucket")
	}
}

// MarkRedundant retires the worker. It stops handling fetches immediately.
func (w *Worker) MarkRedundant() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.state == StateRedundant || w.state == StateInstallFailed {
		return
	}
	w.state = StateRedundant
	w.reader = nil
	w.log.Info().Str("state", w.state.String()).Msg("Worker state changed")
}

func (w *Worker) activeReader() cache.Reader {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	if w.state != StateActive {
		return nil
	}
	return w.reader
}

// Fetch answers the request cache-first.
// A stored response is returned without touching the network.
// Otherwise the request is sent to the network exactly once
// and its response or error is returned unchanged. Nothing is stored.
// ErrNotActive is returned if the worker is not active.
func (w *Worker) Fetch(r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	reader := w.activeReader()
	if reader == nil {
		return nil, cs, ErrNotActive
	}

	key, err := w.keyer.GetKey(r)
	if err != nil {
		cs.Forward(cachestatus.FwdReasonMethod)
	} else if res, ok := w.match(reader, key, r); ok {
		cs.Hit()
		return res, cs, nil
	} else {
		cs.Forward(cachestatus.FwdReasonUriMiss)
	}

	res, err := w.network.Fetch(r)
	if err != nil {
		return nil, cs, err
	}
	cs.FwdStatus = res.StatusCode
	return res, cs, nil
}

func (w *Worker) match(reader cache.Reader, key string, r *http.Request) (*http.Response, bool) {
	entry, ok, err := reader.Match(key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Cache lookup failed")
		return nil, false
	}
	w.log.Trace().Str("key", key).Bool("found", ok).Msg("Cache lookup")
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return nil, false
	}
	return res, true
}

// ServeHTTP implements the http.Handler interface.
// Requests are passed through to the network when the worker is not active.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	res, cs, err := w.Fetch(r)
	if errors.Is(err, ErrNotActive) {
		cs.Forward(cachestatus.FwdReasonBypass)
		res, err = w.network.Fetch(r)
		if err == nil {
			cs.FwdStatus = res.StatusCode
		}
	}
	if err != nil {
		sendNetworkError(rw, r, cs, err, w.log)
		return
	}
	if err := send(rw, r, res, cs, w.log); err != nil {
		w.log.Error().Err(err).Msg("Error writing to client")
	}
}

func send(w http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus, log zerolog.Logger) error {
	logResponse(r, cs, log)
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	removeHopByHopHeaders(w.Header())
	w.Header().Add(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	bytesWritten, err := io.Copy(w, res.Body)
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	return err
}

func sendNetworkError(w http.ResponseWriter, r *http.Request, cs cachestatus.CacheStatus, err error, log zerolog.Logger) {
	log.Error().Err(err).Str("url", r.URL.String()).Msg("Network request failed")
	cs.Detail = "network error"
	w.Header().Set(cachestatus.HeaderName, cs.String())
	http.Error(w, "Could not connect to network", http.StatusBadGateway)
	logResponse(r, cs, log)
}

func logResponse(r *http.Request, cs cachestatus.CacheStatus, log zerolog.Logger) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

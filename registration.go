package precache

import (
	"context"
	"net/http"
	"sync"

	"github.com/always-cache/precache/cachestatus"

	"github.com/rs/zerolog"
)

type RegistrationConfig struct {
	// Network used for requests while no worker is active.
	Network Network
	// Activate newly installed workers right away instead of waiting for Promote.
	SkipWaiting bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Registration hosts the workers of one scope.
// At most one worker is active and at most one installed worker waits to replace it.
type Registration struct {
	network     Network
	skipWaiting bool
	log         zerolog.Logger

	mutex   sync.RWMutex
	active  *Worker
	waiting *Worker
}

func NewRegistration(config RegistrationConfig) *Registration {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Registration{
		network:     config.Network,
		skipWaiting: config.SkipWaiting,
		log:         logger,
	}
}

// Register installs the worker.
// If nothing is active yet, or waiting is skipped, the worker is activated right away,
// otherwise it waits for Promote.
// A failed install leaves the registration as it was and returns the install error.
// Registering a version that is already active or waiting does nothing,
// the worker is left unregistered.
func (reg *Registration) Register(ctx context.Context, w *Worker) error {
	if current := reg.registered(w.Manifest().CacheName()); current != nil {
		reg.log.Info().Str("worker", current.ID()).Str("bucket", current.Manifest().CacheName()).Msg("Version already registered")
		return nil
	}
	if err := w.Install(ctx); err != nil {
		return err
	}

	reg.mutex.Lock()
	if reg.waiting != nil {
		reg.waiting.MarkRedundant()
	}
	reg.waiting = w
	promote := reg.active == nil || reg.skipWaiting
	reg.mutex.Unlock()

	if promote {
		return reg.Promote()
	}
	reg.log.Info().Str("worker", w.ID()).Str("bucket", w.Manifest().CacheName()).Msg("Worker waiting")
	return nil
}

// registered returns the active or waiting worker using the bucket, or nil.
func (reg *Registration) registered(bucket string) *Worker {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	for _, w := range []*Worker{reg.active, reg.waiting} {
		if w != nil && w.Manifest().CacheName() == bucket {
			return w
		}
	}
	return nil
}

// Promote activates the waiting worker, if any, and retires the active one.
func (reg *Registration) Promote() error {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	if reg.waiting == nil {
		return nil
	}
	next := reg.waiting
	if err := next.Activate(); err != nil {
		return err
	}
	if reg.active != nil {
		reg.active.MarkRedundant()
	}
	reg.active = next
	reg.waiting = nil
	return nil
}

// Active returns the active worker, or nil.
func (reg *Registration) Active() *Worker {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	return reg.active
}

// Waiting returns the installed worker waiting for activation, or nil.
func (reg *Registration) Waiting() *Worker {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	return reg.waiting
}

// ServeHTTP implements the http.Handler interface.
// Requests go to the active worker, or straight to the network if there is none.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if active := reg.Active(); active != nil {
		active.ServeHTTP(w, r)
		return
	}
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdReasonBypass)
	res, err := reg.network.Fetch(r)
	if err != nil {
		sendNetworkError(w, r, cs, err, reg.log)
		return
	}
	cs.FwdStatus = res.StatusCode
	if err := send(w, r, res, cs, reg.log); err != nil {
		reg.log.Error().Err(err).Msg("Error writing to client")
	}
}

package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/always-cache/precache"
	"github.com/always-cache/precache/cache"
	"github.com/always-cache/precache/config"
	"github.com/always-cache/precache/contact"
	"github.com/always-cache/precache/site"

	"github.com/rs/zerolog/log"
)

// openStorage opens the bucket storage.
// An empty filename keeps buckets in process memory,
// `memory` uses an in-memory SQLite database.
func openStorage(filename string) (cache.Storage, error) {
	switch filename {
	case "":
		return cache.NewMemStorage(), nil
	case "memory":
		return cache.NewSQLiteStorage("")
	}
	return cache.NewSQLiteStorage(filename)
}

// newNetwork returns the origin network in proxy mode,
// otherwise the built-in site.
// The returned closer releases what the network holds open.
func newNetwork(cfg *config.Config) (precache.Network, func(), error) {
	if cfg.Mode() == "proxy" {
		originURL, err := url.Parse(cfg.Origin)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing origin: %w", err)
		}
		log.Info().Msgf("Proxying %s (with hostname '%s')", originURL.String(), cfg.OriginHost)
		return precache.NewOriginNetwork(*originURL, cfg.OriginHost), func() {}, nil
	}

	contactService, closeContact, err := newContactService(cfg.Contact)
	if err != nil {
		return nil, nil, err
	}
	s, err := site.New(site.Config{
		Manifest:    cfg.Manifest,
		Cleanup:     cfg.Cleanup,
		SkipWaiting: cfg.SkipWaiting,
		Dir:         cfg.SiteDir,
		Projects:    cfg.Projects,
		Contact:     contactService,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      &log.Logger,
	})
	if err != nil {
		closeContact()
		return nil, nil, err
	}
	log.Info().Msgf("Serving site from %s", cfg.SiteDir)
	return precache.HandlerNetwork{Handler: s}, closeContact, nil
}

// newContactService wires the configured submitters.
// It returns a nil service if none is configured.
func newContactService(cfg config.ContactConfig) (*contact.Service, func(), error) {
	var submitters []contact.Submitter
	closer := func() {}
	if cfg.Inbox != "" {
		inbox, err := contact.NewInboxSubmitter(cfg.Inbox)
		if err != nil {
			return nil, nil, fmt.Errorf("opening contact inbox: %w", err)
		}
		submitters = append(submitters, inbox)
		closer = func() { inbox.Close() }
	}
	if cfg.SMTP.Host != "" {
		submitters = append(submitters, contact.NewSMTPSubmitter(cfg.SMTP))
	}

	switch len(submitters) {
	case 0:
		log.Warn().Msg("No contact inbox or SMTP configured, contact form disabled")
		return nil, closer, nil
	case 1:
		return contact.NewService(submitters[0], &log.Logger), closer, nil
	}
	return contact.NewService(contact.MultiSubmitter{Submitters: submitters, Logger: &log.Logger}, &log.Logger), closer, nil
}

func workerConfig(cfg *config.Config, storage cache.Storage, network precache.Network) precache.Config {
	return precache.Config{
		Manifest:           cfg.Manifest,
		Storage:            storage,
		Network:            network,
		Logger:             &log.Logger,
		Cleanup:            cfg.Cleanup,
		InstallConcurrency: cfg.InstallConcurrency,
	}
}

func newWorker(cfg *config.Config, storage cache.Storage, network precache.Network) (*precache.Worker, error) {
	return precache.NewWorker(workerConfig(cfg, storage, network))
}

// registerWorker registers the configured version.
// If its install fails, the newest version left in storage by an earlier run
// is registered instead. It returns the install error if neither works.
func registerWorker(ctx context.Context, cfg *config.Config, storage cache.Storage, network precache.Network, registration *precache.Registration) error {
	worker, err := newWorker(cfg, storage, network)
	if err != nil {
		return err
	}
	installErr := registration.Register(ctx, worker)
	if installErr == nil {
		return nil
	}
	log.Error().Err(installErr).Str("bucket", cfg.Manifest.CacheName()).Msg("Worker not installed")

	previous, ok, err := precache.PreviousManifest(storage, cfg.Manifest)
	if err != nil {
		log.Error().Err(err).Msg("Could not look for a previous version")
		return installErr
	}
	if !ok {
		return installErr
	}
	fallbackConfig := workerConfig(cfg, storage, network)
	fallbackConfig.Manifest = previous
	// the failed version may still be installed later, keep its bucket around
	fallbackConfig.Cleanup = precache.CleanupRetain
	fallback, err := precache.NewWorker(fallbackConfig)
	if err != nil {
		return fmt.Errorf("%w (previous version %s: %w)", installErr, previous.CacheName(), err)
	}
	if err := registration.Register(ctx, fallback); err != nil {
		return fmt.Errorf("%w (previous version %s: %w)", installErr, previous.CacheName(), err)
	}
	log.Warn().Str("bucket", previous.CacheName()).Msg("Serving previously installed version")
	return nil
}

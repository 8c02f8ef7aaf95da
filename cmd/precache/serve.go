package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/precache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	listenFlag      string
	originFlag      string
	hostFlag        string
	skipWaitingFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the worker and serve requests cache-first",
	Long: `Installs the configured manifest into its bucket and serves requests
cache-first. Without an origin the built-in site is served, with one the
origin is proxied. If the install fails, the newest version installed by an
earlier run keeps serving. Without one, requests are passed through.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = listenFlag
		}
		if cmd.Flags().Changed("origin") {
			cfg.Origin = originFlag
		}
		if cmd.Flags().Changed("host") {
			cfg.OriginHost = hostFlag
		}
		if cmd.Flags().Changed("skip-waiting") {
			cfg.SkipWaiting = skipWaitingFlag
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		storage, err := openStorage(cfg.Database)
		if err != nil {
			return err
		}
		defer storage.Close()
		network, closeNetwork, err := newNetwork(cfg)
		if err != nil {
			return err
		}
		defer closeNetwork()

		registration := precache.NewRegistration(precache.RegistrationConfig{
			Network:     network,
			SkipWaiting: cfg.SkipWaiting,
			Logger:      &log.Logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := registerWorker(ctx, cfg, storage, network, registration); err != nil {
			log.Error().Err(err).Msg("No worker installed, passing requests through")
		}

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Handle("/*", registration)

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()

		bucket := "none"
		if active := registration.Active(); active != nil {
			bucket = active.Manifest().CacheName()
		}
		log.Info().Msgf("Listening on %s (bucket %s)", cfg.Listen, bucket)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&originFlag, "origin", "", "Origin URL to proxy to (instead of serving the site)")
	serveCmd.Flags().StringVar(&hostFlag, "host", "", "Hostname of origin")
	serveCmd.Flags().BoolVar(&skipWaitingFlag, "skip-waiting", false, "Activate new worker versions immediately")
	rootCmd.AddCommand(serveCmd)
}

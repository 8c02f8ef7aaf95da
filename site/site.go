// Package site serves the portfolio: static files, the browser worker script,
// the precache manifest and the small JSON API behind the page.
package site

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/precache"
	"github.com/always-cache/precache/contact"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const maxContactBytes = 64 << 10

type Config struct {
	// Manifest the worker script and /precache.json are rendered from.
	Manifest precache.Manifest
	// Cleanup policy and skip-waiting flag, mirrored in the worker script.
	Cleanup     precache.CleanupPolicy
	SkipWaiting bool
	// Directory with the static site. No static files are served if empty.
	Dir      string
	Projects []Project
	// Contact form service. The contact API is disabled if nil.
	Contact *contact.Service
	// Origins allowed to call the API from other sites.
	CORSOrigins []string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Site struct {
	config       Config
	log          zerolog.Logger
	router       chi.Router
	workerScript []byte
}

func New(config Config) (*Site, error) {
	if err := config.Manifest.Validate(); err != nil {
		return nil, err
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	script, err := renderWorkerScript(config.Manifest, config.Cleanup, config.SkipWaiting)
	if err != nil {
		return nil, err
	}
	if config.Projects, err = renderProjects(config.Projects); err != nil {
		return nil, err
	}
	s := &Site{
		config:       config,
		log:          logger,
		workerScript: script,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Site) Router() chi.Router { return s.router }

// ServeHTTP implements the http.Handler interface.
func (s *Site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Site) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Site request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/sw.js", s.serveWorkerScript)
	r.Get("/precache.json", s.serveManifest)

	r.Route("/api", func(r chi.Router) {
		if len(s.config.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.config.CORSOrigins,
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Content-Type"},
				MaxAge:         300,
			}))
		}
		r.Get("/projects", s.listProjects)
		if s.config.Contact != nil {
			r.Post("/contact", s.submitContact)
		}
	})

	if s.config.Dir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.config.Dir)))
	}
	return r
}

// serveWorkerScript serves the worker so that it may control the whole site
// and is always revalidated by the browser.
func (s *Site) serveWorkerScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Service-Worker-Allowed", "/")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(s.workerScript)
}

func (s *Site) serveManifest(w http.ResponseWriter, r *http.Request) {
	m := s.config.Manifest
	if m.URLs == nil {
		m.URLs = []string{}
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, struct {
		CacheName string `json:"cacheName"`
		precache.Manifest
	}{m.CacheName(), m})
}

func (s *Site) listProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, FilterProjects(s.config.Projects, r.URL.Query().Get("filter")))
}

func (s *Site) submitContact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxContactBytes)
	form, err := decodeContactForm(r)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("Malformed contact form")
		writeJSON(w, http.StatusBadRequest, contact.Result{
			Status:  contact.StatusInvalid,
			Message: "Malformed contact form.",
		})
		return
	}

	res := s.config.Contact.Submit(r.Context(), form)
	status := http.StatusOK
	switch res.Status {
	case contact.StatusInvalid:
		status = http.StatusUnprocessableEntity
	case contact.StatusFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

// decodeContactForm accepts both JSON and regular form posts.
func decodeContactForm(r *http.Request) (contact.Form, error) {
	var form contact.Form
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		err := json.NewDecoder(r.Body).Decode(&form)
		return form, err
	}
	if err := r.ParseForm(); err != nil {
		return form, err
	}
	form.Name = r.PostForm.Get("name")
	form.Email = r.PostForm.Get("email")
	form.Subject = r.PostForm.Get("subject")
	form.Message = r.PostForm.Get("message")
	return form, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

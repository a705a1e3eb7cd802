package ota

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", a.handleIndex)
	r.Get("/headers", a.handleHeaders)
	r.Get("/file", a.handleFile)
	r.Get("/upload", a.handleUploadForm)
	r.Post("/upload", a.handleUpload)
	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)

	r.Route("/api/v1.0", func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		r.Get("/link/*", a.handleCreateLink)
		r.Delete("/link/*", a.handleDeleteLink)
		r.Get("/reload", a.handleReload)
		r.Get("/firmware/{identity}", a.handleFirmwareInfo)
		r.Get("/checkins/{identity}", a.handleCheckins)
	})

	return r, nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.registry.Snapshot() == nil {
		http.Error(w, "device config not loaded", http.StatusServiceUnavailable)
		return
	}
	if _, err := os.Stat(a.store.Root()); err != nil {
		http.Error(w, "upload root unavailable", http.StatusServiceUnavailable)
		return
	}
	if p, ok := a.checkins.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.logger.Printf("WARN readiness: check-in database: %v", err)
			http.Error(w, "check-in database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

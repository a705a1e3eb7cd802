package ota

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"espota/pkg/render"
	"espota/services/devices"
	"espota/services/firmware"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxUploadBytes = 32 << 20
	presignURLExpiry      = 15 * time.Minute
	mirrorTimeout         = 5 * time.Minute
	mirrorPrefix          = "firmware/"
)

// Mirror copies stored artifacts into object storage. *s3.Client satisfies it.
type Mirror interface {
	PutFile(ctx context.Context, key, path, md5 string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config controls runtime behaviour for the HTTP handlers.
type Config struct {
	// RequestTimeout bounds the /api/v1.0 handlers. Firmware downloads are not bounded.
	RequestTimeout time.Duration
	MaxUploadBytes int64
}

// Deps are the collaborators the handlers use. Bus, Checkins, Mirror and
// Metrics are optional.
type Deps struct {
	Store    *firmware.Store
	Selector *firmware.Selector
	Uploads  *firmware.UploadReceiver
	Aliases  firmware.Aliases
	Hasher   *firmware.Hasher
	Registry *devices.Registry
	Renderer *render.Engine
	Metrics  *Metrics
	Logger   *log.Logger

	Bus      Publisher
	Checkins Checkins
	Mirror   Mirror
}

// API serves the device-facing and administrative endpoints.
type API struct {
	store    *firmware.Store
	selector *firmware.Selector
	uploads  *firmware.UploadReceiver
	aliases  firmware.Aliases
	hasher   *firmware.Hasher
	registry *devices.Registry
	renderer *render.Engine
	metrics  *Metrics
	logger   *log.Logger
	bus      Publisher
	checkins Checkins
	mirror   Mirror
	config   Config
	now      func() time.Time

	background sync.WaitGroup
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Selector == nil {
		return nil, errors.New("selector is required")
	}
	if deps.Uploads == nil {
		return nil, errors.New("upload receiver is required")
	}
	if deps.Aliases == nil {
		return nil, errors.New("aliases are required")
	}
	if deps.Registry == nil {
		return nil, errors.New("device registry is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	return &API{
		store:    deps.Store,
		selector: deps.Selector,
		uploads:  deps.Uploads,
		aliases:  deps.Aliases,
		hasher:   deps.Hasher,
		registry: deps.Registry,
		renderer: deps.Renderer,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		bus:      deps.Bus,
		checkins: deps.Checkins,
		mirror:   deps.Mirror,
		config:   cfg,
		now:      time.Now,
	}, nil
}

// Wait blocks until background mirror uploads have finished.
func (a *API) Wait() {
	a.background.Wait()
}

// ReleaseObserver returns the hook to install on the release resolver so
// cache results are counted and fresh downloads are mirrored.
func (a *API) ReleaseObserver() firmware.ReleaseObserver {
	return releaseObserver{api: a}
}

type releaseObserver struct {
	api *API
}

func (o releaseObserver) CacheResult(result string) {
	o.api.metrics.cache(result)
}

func (o releaseObserver) Downloaded(ctx context.Context, ref firmware.ReleaseRef, art firmware.Artifact) {
	o.api.metrics.downloaded(art.Size)
	if o.api.mirror == nil {
		return
	}
	sum, err := o.api.hasher.Sum(art.Path)
	if err != nil {
		o.api.logger.Printf("WARN hash %s for mirror: %v", art.Path, err)
		return
	}
	o.api.mirrorArtifact(ctx, art.Path, sum)
}

// mirrorArtifact uploads path in the background. Failures are logged only.
func (a *API) mirrorArtifact(ctx context.Context, path, md5 string) {
	if a.mirror == nil {
		return
	}
	key, err := a.mirrorKey(path)
	if err != nil {
		a.logger.Printf("WARN mirror %s: %v", path, err)
		return
	}

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := a.mirror.PutFile(ctx, key, path, md5); err != nil {
			a.logger.Printf("WARN mirror %s to %s: %v", path, key, err)
			return
		}
		a.logger.Printf("INFO mirrored %s to %s", path, key)
	}()
}

func (a *API) mirrorKey(path string) (string, error) {
	rel, err := a.store.Rel(path)
	if err != nil {
		return "", err
	}
	return mirrorPrefix + rel, nil
}

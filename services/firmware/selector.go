package firmware

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the terminal state of a firmware check.
type Outcome string

const (
	OutcomeFound       Outcome = "found"
	OutcomeNotModified Outcome = "not_modified"
	OutcomeNotFound    Outcome = "not_found"
)

// Where an artifact came from.
const (
	SourceLocal   = "local"
	SourceRelease = "release"
)

// Decision is what the selector resolved for one device.
type Decision struct {
	Outcome  Outcome
	Source   string
	Artifact Artifact
	MD5      string
	Release  *ReleaseRef
}

// Configs looks up a device's remote release source.
type Configs interface {
	Lookup(identity string) (ReleaseSpec, bool)
}

// Selector decides which firmware a device should run and whether it already
// runs it.
type Selector struct {
	store    *Store
	releases *ReleaseResolver
	configs  Configs
	hasher   *Hasher
	logger   *log.Logger
	tracer   trace.Tracer
}

// NewSelector wires the selector. releases and configs may be nil when no
// device uses a remote source.
func NewSelector(store *Store, releases *ReleaseResolver, configs Configs, hasher *Hasher, logger *log.Logger) (*Selector, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Selector{
		store:    store,
		releases: releases,
		configs:  configs,
		hasher:   hasher,
		logger:   logger,
		tracer:   otel.Tracer("espota/services/firmware"),
	}, nil
}

// Select resolves firmware for req and compares its hash with the one the
// device reports. Resolution errors are returned as is and never retried.
func (s *Selector) Select(ctx context.Context, req Request) (Decision, error) {
	ctx, span := s.tracer.Start(ctx, "firmware.Select", trace.WithAttributes(
		attribute.String("identity", req.Identity),
	))
	defer span.End()

	d, err := s.Resolve(ctx, req.Identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}
	if d.Outcome == OutcomeFound && strings.EqualFold(strings.TrimSpace(req.SketchMD5), d.MD5) {
		d.Outcome = OutcomeNotModified
	}
	span.SetAttributes(attribute.String("outcome", string(d.Outcome)))
	return d, nil
}

// Resolve picks the authoritative artifact for identity and hashes it. A
// device with a configured repo is served from its release; otherwise the
// newest local file wins. An identity without local files yields
// OutcomeNotFound rather than an error.
func (s *Selector) Resolve(ctx context.Context, identity string) (Decision, error) {
	if err := ValidateName(identity); err != nil {
		return Decision{}, err
	}

	var d Decision
	if spec, ok := s.lookup(identity); ok {
		if s.releases == nil {
			return Decision{}, fmt.Errorf("device %s has a release source but none is configured", identity)
		}
		s.logger.Printf("INFO config found for %s, serving firmware from %s", identity, spec.Repo)
		art, ref, err := s.releases.Resolve(ctx, spec)
		if err != nil {
			return Decision{}, fmt.Errorf("resolve release for %s: %w", identity, err)
		}
		d = Decision{Source: SourceRelease, Artifact: art, Release: &ref}
	} else {
		art, err := s.store.Latest(ctx, identity)
		if errors.Is(err, ErrNotFound) {
			return Decision{Outcome: OutcomeNotFound, Source: SourceLocal}, nil
		}
		if err != nil {
			return Decision{}, fmt.Errorf("resolve local firmware for %s: %w", identity, err)
		}
		d = Decision{Source: SourceLocal, Artifact: art}
	}

	sum, err := s.hasher.Sum(d.Artifact.Path)
	if err != nil {
		return Decision{}, fmt.Errorf("hash %s: %w", d.Artifact.Name, err)
	}
	d.MD5 = sum
	d.Outcome = OutcomeFound
	s.logger.Printf("DEBUG md5 for %s: %s", d.Artifact.Name, sum)
	return d, nil
}

func (s *Selector) lookup(identity string) (ReleaseSpec, bool) {
	if s.configs == nil {
		return ReleaseSpec{}, false
	}
	spec, ok := s.configs.Lookup(identity)
	if !ok || strings.TrimSpace(spec.Repo) == "" {
		return ReleaseSpec{}, false
	}
	return spec, true
}

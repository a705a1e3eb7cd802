package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// LatestVersion selects the most recently published release.
	LatestVersion = "latest"
	// DefaultAssetName is served when a device config names no file.
	DefaultAssetName = "firmware.bin"
	// ReleaseCacheDir is the store directory holding downloaded assets.
	ReleaseCacheDir = "github"
)

// ReleaseSpec is a device's remote firmware source.
type ReleaseSpec struct {
	Repo     string
	Version  string
	FileName string
}

// AssetName returns the configured asset name or the default.
func (s ReleaseSpec) AssetName() string {
	if strings.TrimSpace(s.FileName) == "" {
		return DefaultAssetName
	}
	return s.FileName
}

// Release is a published release as seen by the resolver.
type Release struct {
	Tag    string
	Title  string
	Assets []Asset
}

// Asset is a downloadable file attached to a release.
type Asset struct {
	ID   int64
	Name string
	Size int64
	URL  string
}

// ReleaseRef identifies the asset a device config resolved to.
type ReleaseRef struct {
	Repo  string `json:"repo"`
	Tag   string `json:"tag"`
	Asset string `json:"asset"`
	Size  int64  `json:"size"`
	URL   string `json:"url,omitempty"`
}

// ReleaseSource is the remote release-hosting API.
type ReleaseSource interface {
	LatestRelease(ctx context.Context, repo string) (Release, error)
	ListReleases(ctx context.Context, repo string) ([]Release, error)
	DownloadAsset(ctx context.Context, repo string, asset Asset) (io.ReadCloser, error)
}

// ReleaseObserver is told about cache lookups and completed downloads.
type ReleaseObserver interface {
	CacheResult(result string)
	Downloaded(ctx context.Context, ref ReleaseRef, art Artifact)
}

// ReleaseResolver turns a ReleaseSpec into a locally cached artifact.
type ReleaseResolver struct {
	source ReleaseSource
	store  *Store
	logger *log.Logger
	tracer trace.Tracer
	group  singleflight.Group

	// Observer is optional.
	Observer ReleaseObserver
}

// NewReleaseResolver caches assets from source under store.
func NewReleaseResolver(source ReleaseSource, store *Store, logger *log.Logger) *ReleaseResolver {
	if logger == nil {
		logger = log.Default()
	}
	return &ReleaseResolver{
		source: source,
		store:  store,
		logger: logger,
		tracer: otel.Tracer("espota/services/firmware"),
	}
}

// Resolve selects the release and asset named by spec and returns the cached
// copy, downloading it once if needed. Cached assets are never refreshed:
// release tags are treated as immutable.
func (r *ReleaseResolver) Resolve(ctx context.Context, spec ReleaseSpec) (Artifact, ReleaseRef, error) {
	ctx, span := r.tracer.Start(ctx, "firmware.ResolveRelease", trace.WithAttributes(
		attribute.String("repo", spec.Repo),
		attribute.String("version", spec.Version),
	))
	defer span.End()

	art, ref, err := r.resolve(ctx, spec)
	if err != nil {
		r.observeCache("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return art, ref, err
}

func (r *ReleaseResolver) resolve(ctx context.Context, spec ReleaseSpec) (Artifact, ReleaseRef, error) {
	if r.source == nil {
		return Artifact{}, ReleaseRef{}, errors.New("no release source configured")
	}

	release, err := r.selectRelease(ctx, spec)
	if err != nil {
		return Artifact{}, ReleaseRef{}, err
	}
	asset, err := selectAsset(spec.Repo, release, spec.AssetName())
	if err != nil {
		return Artifact{}, ReleaseRef{}, err
	}

	ref := ReleaseRef{Repo: spec.Repo, Tag: release.Tag, Asset: asset.Name, Size: asset.Size, URL: asset.URL}
	dest, err := r.CachePath(ref)
	if err != nil {
		return Artifact{}, ReleaseRef{}, err
	}

	if art, ok := r.cached(dest); ok {
		r.observeCache("hit")
		return art, ref, nil
	}

	// Waiters share one download; it outlives any single caller's request.
	v, err, _ := r.group.Do(dest, func() (any, error) {
		return r.download(context.WithoutCancel(ctx), ref, asset, dest)
	})
	if err != nil {
		return Artifact{}, ReleaseRef{}, err
	}
	return v.(Artifact), ref, nil
}

// CachePath returns <root>/github/<owner>/<repo>/<tag>/<asset>.
func (r *ReleaseResolver) CachePath(ref ReleaseRef) (string, error) {
	owner, name, err := splitRepo(ref.Repo)
	if err != nil {
		return "", err
	}
	for _, part := range []string{ref.Tag, ref.Asset} {
		if !safeComponent(part) {
			return "", fmt.Errorf("%w: unsafe release path component %q", ErrValidation, part)
		}
	}
	return filepath.Join(r.store.Root(), ReleaseCacheDir, owner, name, ref.Tag, ref.Asset), nil
}

func (r *ReleaseResolver) selectRelease(ctx context.Context, spec ReleaseSpec) (Release, error) {
	version := strings.TrimSpace(spec.Version)
	if version == "" || version == LatestVersion {
		rel, err := r.source.LatestRelease(ctx, spec.Repo)
		if err != nil {
			return Release{}, fmt.Errorf("latest release of %s: %w", spec.Repo, err)
		}
		return rel, nil
	}

	releases, err := r.source.ListReleases(ctx, spec.Repo)
	if err != nil {
		return Release{}, fmt.Errorf("list releases of %s: %w", spec.Repo, err)
	}
	return matchRelease(spec.Repo, version, releases)
}

func (r *ReleaseResolver) cached(dest string) (Artifact, bool) {
	art, err := r.store.Stat(dest)
	if err != nil {
		return Artifact{}, false
	}
	return art, true
}

func (r *ReleaseResolver) download(ctx context.Context, ref ReleaseRef, asset Asset, dest string) (Artifact, error) {
	if art, ok := r.cached(dest); ok {
		r.observeCache("hit")
		return art, nil
	}
	r.observeCache("miss")

	ctx, span := r.tracer.Start(ctx, "firmware.DownloadAsset", trace.WithAttributes(
		attribute.String("repo", ref.Repo),
		attribute.String("tag", ref.Tag),
		attribute.String("asset", ref.Asset),
		attribute.Int64("size", asset.Size),
	))
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create cache dir: %w", err)
	}

	r.logger.Printf("DEBUG downloading %s from %s:%s to %s", asset.Name, ref.Repo, ref.Tag, dest)
	body, err := r.source.DownloadAsset(ctx, ref.Repo, asset)
	if err != nil {
		span.RecordError(err)
		return Artifact{}, fmt.Errorf("download %s from %s:%s: %w", asset.Name, ref.Repo, ref.Tag, err)
	}
	defer body.Close()

	_, err = writeAtomic(dest, body, func(written int64) error {
		if written != asset.Size {
			return fmt.Errorf("%w: %s: expected %d bytes, got %d", ErrCorruption, asset.Name, asset.Size, written)
		}
		return nil
	})
	if err != nil {
		r.logger.Printf("ERROR failed to fetch %s from %s:%s: %v", asset.Name, ref.Repo, ref.Tag, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Artifact{}, err
	}

	art, err := r.store.Stat(dest)
	if err != nil {
		return Artifact{}, err
	}
	r.logger.Printf("INFO cached %s from %s:%s (%d bytes)", asset.Name, ref.Repo, ref.Tag, art.Size)
	if r.Observer != nil {
		r.Observer.Downloaded(ctx, ref, art)
	}
	return art, nil
}

func (r *ReleaseResolver) observeCache(result string) {
	if r.Observer != nil {
		r.Observer.CacheResult(result)
	}
}

// matchRelease picks the single release titled version.
func matchRelease(repo, version string, releases []Release) (Release, error) {
	var matches []Release
	for _, rel := range releases {
		if rel.Title == version {
			matches = append(matches, rel)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		tags := make([]string, 0, len(releases))
		for _, rel := range releases {
			tags = append(tags, rel.Tag)
		}
		return Release{}, fmt.Errorf("%w: no release in %s with version %q, got %v", ErrNotFound, repo, version, tags)
	default:
		return Release{}, fmt.Errorf("%w: %d releases in %s with version %q", ErrAmbiguous, len(matches), repo, version)
	}
}

// selectAsset picks the single asset called name.
func selectAsset(repo string, rel Release, name string) (Asset, error) {
	var matches []Asset
	for _, a := range rel.Assets {
		if a.Name == name {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Asset{}, fmt.Errorf("%w: no file %q in release %s:%s", ErrNotFound, name, repo, rel.Tag)
	default:
		return Asset{}, fmt.Errorf("%w: %d files named %q in release %s:%s", ErrAmbiguous, len(matches), name, repo, rel.Tag)
	}
}

func splitRepo(repo string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(repo), "/")
	if len(parts) != 2 || !safeComponent(parts[0]) || !safeComponent(parts[1]) {
		return "", "", fmt.Errorf("%w: repo must be owner/name, got %q", ErrValidation, repo)
	}
	return parts[0], parts[1], nil
}

func safeComponent(s string) bool {
	return s != "" && !strings.HasPrefix(s, ".") && !strings.ContainsAny(s, `/\`) && filepath.IsLocal(s)
}


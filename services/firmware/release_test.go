package firmware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeSource struct {
	mu        sync.Mutex
	latest    Release
	releases  []Release
	payloads  map[int64][]byte
	downloads int
	err       error
}

func (f *fakeSource) LatestRelease(ctx context.Context, repo string) (Release, error) {
	if f.err != nil {
		return Release{}, f.err
	}
	return f.latest, nil
}

func (f *fakeSource) ListReleases(ctx context.Context, repo string) ([]Release, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.releases, nil
}

func (f *fakeSource) DownloadAsset(ctx context.Context, repo string, asset Asset) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	return io.NopCloser(bytes.NewReader(f.payloads[asset.ID])), nil
}

type recordingObserver struct {
	mu         sync.Mutex
	results    []string
	downloaded []ReleaseRef
}

func (o *recordingObserver) CacheResult(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) Downloaded(ctx context.Context, ref ReleaseRef, art Artifact) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.downloaded = append(o.downloaded, ref)
}

func release(tag, title string, assets ...Asset) Release {
	return Release{Tag: tag, Title: title, Assets: assets}
}

func TestMatchRelease(t *testing.T) {
	releases := []Release{
		release("t1", "v1.0"),
		release("t2", "v1.0"),
		release("t3", "v2.0"),
	}

	if _, err := matchRelease("acme/widget", "v1.0", releases); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("v1.0 error = %v, want ErrAmbiguous", err)
	}
	if _, err := matchRelease("acme/widget", "v3.0", releases); !errors.Is(err, ErrNotFound) {
		t.Fatalf("v3.0 error = %v, want ErrNotFound", err)
	}
	got, err := matchRelease("acme/widget", "v2.0", releases)
	if err != nil || got.Tag != "t3" {
		t.Fatalf("v2.0 = %+v, %v", got, err)
	}
}

func TestSelectAsset(t *testing.T) {
	rel := release("v1", "one",
		Asset{ID: 1, Name: "firmware.bin"},
		Asset{ID: 2, Name: "other.bin"},
		Asset{ID: 3, Name: "other.bin"},
	)

	if a, err := selectAsset("acme/widget", rel, DefaultAssetName); err != nil || a.ID != 1 {
		t.Fatalf("firmware.bin = %+v, %v", a, err)
	}
	if _, err := selectAsset("acme/widget", rel, "other.bin"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("other.bin error = %v, want ErrAmbiguous", err)
	}
	if _, err := selectAsset("acme/widget", rel, "missing.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing.bin error = %v, want ErrNotFound", err)
	}
}

func TestResolveLatestIgnoresTitles(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		latest: release("v9", "v1.0", Asset{ID: 9, Name: "firmware.bin", Size: 4}),
		releases: []Release{
			release("v1", "v1.0"),
			release("v9", "v1.0"),
		},
		payloads: map[int64][]byte{9: []byte("nine")},
	}
	resolver := NewReleaseResolver(src, store, discardLogger())

	for _, version := range []string{LatestVersion, ""} {
		art, ref, err := resolver.Resolve(context.Background(), ReleaseSpec{Repo: "acme/widget", Version: version})
		if err != nil {
			t.Fatalf("Resolve(%q): %v", version, err)
		}
		if ref.Tag != "v9" || readFile(t, art.Path) != "nine" {
			t.Fatalf("Resolve(%q) = %+v %+v", version, ref, art)
		}
	}
}

func TestResolveDownloadsOnceAndCaches(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		releases: []Release{
			release("v1.0.0", "v1.0", Asset{ID: 1, Name: "firmware.bin", Size: 8}, Asset{ID: 2, Name: "debug.bin", Size: 5}),
			release("v2.0.0", "v2.0"),
		},
		payloads: map[int64][]byte{1: []byte("firmware"), 2: []byte("debug")},
	}
	observer := &recordingObserver{}
	resolver := NewReleaseResolver(src, store, discardLogger())
	resolver.Observer = observer

	spec := ReleaseSpec{Repo: "acme/widget", Version: "v1.0"}
	for i := 0; i < 2; i++ {
		art, ref, err := resolver.Resolve(context.Background(), spec)
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
		want := filepath.Join(store.Root(), "github", "acme", "widget", "v1.0.0", "firmware.bin")
		if art.Path != want {
			t.Fatalf("Path = %s, want %s", art.Path, want)
		}
		if ref.Asset != "firmware.bin" || ref.Size != 8 {
			t.Fatalf("ref = %+v", ref)
		}
	}

	if src.downloads != 1 {
		t.Fatalf("downloads = %d, want 1", src.downloads)
	}
	if len(observer.downloaded) != 1 || len(observer.results) != 2 || observer.results[0] != "miss" || observer.results[1] != "hit" {
		t.Fatalf("observer = %+v", observer)
	}

	art, _, err := resolver.Resolve(context.Background(), ReleaseSpec{Repo: "acme/widget", Version: "v1.0", FileName: "debug.bin"})
	if err != nil {
		t.Fatalf("Resolve(debug.bin): %v", err)
	}
	if readFile(t, art.Path) != "debug" {
		t.Fatalf("debug asset = %s", art.Path)
	}
}

func TestResolveSizeMismatchLeavesNoFile(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{
		latest:   release("v1", "one", Asset{ID: 1, Name: "firmware.bin", Size: 1024}),
		payloads: map[int64][]byte{1: []byte("short")},
	}
	resolver := NewReleaseResolver(src, store, discardLogger())

	_, _, err := resolver.Resolve(context.Background(), ReleaseSpec{Repo: "acme/widget", Version: LatestVersion})
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("error = %v, want ErrCorruption", err)
	}

	dir := filepath.Join(store.Root(), "github", "acme", "widget", "v1")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cache dir holds %d entries after a failed download", len(entries))
	}
}

func TestResolvePropagatesSourceErrors(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("rate limited")
	resolver := NewReleaseResolver(&fakeSource{err: boom}, store, discardLogger())

	if _, _, err := resolver.Resolve(context.Background(), ReleaseSpec{Repo: "acme/widget", Version: "v1.0"}); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}

func TestCachePathRejectsUnsafeComponents(t *testing.T) {
	store := newTestStore(t)
	resolver := NewReleaseResolver(&fakeSource{}, store, discardLogger())

	for _, ref := range []ReleaseRef{
		{Repo: "../acme", Tag: "v1", Asset: "firmware.bin"},
		{Repo: "acme", Tag: "v1", Asset: "firmware.bin"},
		{Repo: "acme/widget", Tag: "..", Asset: "firmware.bin"},
		{Repo: "acme/widget", Tag: "v1", Asset: "a/b.bin"},
	} {
		if _, err := resolver.CachePath(ref); !errors.Is(err, ErrValidation) {
			t.Errorf("CachePath(%+v) error = %v, want ErrValidation", ref, err)
		}
	}
}

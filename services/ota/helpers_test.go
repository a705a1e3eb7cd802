package ota

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/fs"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"espota/pkg/render"
	"espota/services/devices"
	"espota/services/firmware"
	"espota/services/ledger"
)

var base = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

type fakeBus struct {
	mu     sync.Mutex
	events map[string][]any
}

func (b *fakeBus) Publish(ctx context.Context, subj string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = map[string][]any{}
	}
	b.events[subj] = append(b.events[subj], v)
	return nil
}

func (b *fakeBus) published(subj string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]any(nil), b.events[subj]...)
}

type fakeCheckins struct {
	mu       sync.Mutex
	recorded []ledger.CheckinEvent
	pingErr  error
}

func (c *fakeCheckins) Ping(ctx context.Context) error {
	return c.pingErr
}

func (c *fakeCheckins) Record(ctx context.Context, evt ledger.CheckinEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded = append(c.recorded, evt)
	return nil
}

func (c *fakeCheckins) Recent(ctx context.Context, identity string, limit int) ([]ledger.Checkin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rows []ledger.Checkin
	for _, evt := range c.recorded {
		if evt.Identity == identity {
			rows = append(rows, ledger.Checkin{ID: evt.ID, Identity: evt.Identity, Outcome: evt.Outcome, At: evt.At})
		}
	}
	return rows, nil
}

type fakeMirror struct {
	mu   sync.Mutex
	puts map[string]string
}

func (m *fakeMirror) PutFile(ctx context.Context, key, path, md5 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puts == nil {
		m.puts = map[string]string{}
	}
	m.puts[key] = md5
	return nil
}

func (m *fakeMirror) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://mirror.example/" + key + "?ttl=" + ttl.String(), nil
}

type testEnv struct {
	api        *API
	handler    http.Handler
	store      *firmware.Store
	configPath string
	registry   *prometheus.Registry
}

type envOption func(*Deps)

func withAliases(fn func(*firmware.Store) firmware.Aliases) envOption {
	return func(d *Deps) { d.Aliases = fn(d.Store) }
}

func withBus(b Publisher) envOption {
	return func(d *Deps) { d.Bus = b }
}

func withCheckins(c Checkins) envOption {
	return func(d *Deps) { d.Checkins = c }
}

func withMirror(m Mirror) envOption {
	return func(d *Deps) { d.Mirror = m }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	store, err := firmware.NewStore(filepath.Join(t.TempDir(), "files"), firmware.WithTimestamp(func(info fs.FileInfo) time.Time {
		return info.ModTime()
	}))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	registry, err := devices.NewRegistry(configPath, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	hasher := firmware.NewHasher(time.Minute)
	selector, err := firmware.NewSelector(store, nil, registry, hasher, logger)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	uploads, err := firmware.NewUploadReceiver(store, hasher, false, logger)
	if err != nil {
		t.Fatalf("NewUploadReceiver: %v", err)
	}
	renderer, err := render.New()
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	promRegistry := prometheus.NewRegistry()
	metrics, err := NewMetrics(promRegistry)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	deps := Deps{
		Store:    store,
		Selector: selector,
		Uploads:  uploads,
		Aliases:  firmware.NewSymlinkAliases(store, logger),
		Hasher:   hasher,
		Registry: registry,
		Renderer: renderer,
		Metrics:  metrics,
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	api, err := New(deps, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handler, err := api.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	return &testEnv{api: api, handler: handler, store: store, configPath: configPath, registry: promRegistry}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) writeFirmware(t *testing.T, rel, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(e.store.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func pollRequest(apMAC, sketchMD5 string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	req.Header.Set(firmware.HeaderSketchMD5, sketchMD5)
	req.Header.Set(firmware.HeaderStaMAC, "11:22:33:44:55:66")
	req.Header.Set(firmware.HeaderApMAC, apMAC)
	req.Header.Set(firmware.HeaderFreeSpace, "1000000")
	req.Header.Set(firmware.HeaderSketchSize, "300000")
	req.Header.Set(firmware.HeaderChipSize, "4194304")
	req.Header.Set(firmware.HeaderSDKVersion, "2.2.2-dev(38a443e)")
	return req
}

type formPart struct {
	name     string
	filename string
	content  string
	file     bool
}

func multipartRequest(t *testing.T, parts ...formPart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		if p.file {
			fw, err := mw.CreateFormFile(p.name, p.filename)
			if err != nil {
				t.Fatalf("CreateFormFile: %v", err)
			}
			_, _ = fw.Write([]byte(p.content))
			continue
		}
		if err := mw.WriteField(p.name, p.content); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

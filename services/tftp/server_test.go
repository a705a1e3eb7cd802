package tftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"espota/services/firmware"
)

var base = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *firmware.Store) {
	t.Helper()
	store, err := firmware.NewStore(filepath.Join(t.TempDir(), "files"), firmware.WithTimestamp(func(info fs.FileInfo) time.Time {
		return info.ModTime()
	}))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewServer(Config{Address: "127.0.0.1:0", TimeoutSec: 1}, store, log.New(io.Discard, "", 0)), store
}

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
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

func TestResolve(t *testing.T) {
	srv, store := newTestServer(t)
	root := store.Root()
	writeFile(t, filepath.Join(root, "AABBCCDDEEFF", "fw1.bin"), "one", base)
	writeFile(t, filepath.Join(root, "AABBCCDDEEFF", "fw2.bin"), "two", base.Add(time.Minute))
	writeFile(t, filepath.Join(root, "shared", "boot.bin"), "boot", base)
	writeFile(t, filepath.Join(root, "plain.bin"), "plain", base)
	writeFile(t, filepath.Join(root, "nested", "dir", "x.bin"), "x", base)

	tests := []struct {
		name    string
		request string
		want    string
		wantErr error
	}{
		{name: "identity with extension", request: "AABBCCDDEEFF.bin", want: filepath.Join(root, "AABBCCDDEEFF", "fw2.bin")},
		{name: "identity", request: "AABBCCDDEEFF", want: filepath.Join(root, "AABBCCDDEEFF", "fw2.bin")},
		{name: "colon identity", request: "AA:BB:CC:DD:EE:FF.bin", want: filepath.Join(root, "AABBCCDDEEFF", "fw2.bin")},
		{name: "leading slash", request: "/shared/boot.bin", want: filepath.Join(root, "shared", "boot.bin")},
		{name: "plain file", request: "plain.bin", want: filepath.Join(root, "plain.bin")},
		{name: "explicit artifact", request: "AABBCCDDEEFF/fw1.bin", want: filepath.Join(root, "AABBCCDDEEFF", "fw1.bin")},
		{name: "traversal", request: "../secret.bin", wantErr: firmware.ErrValidation},
		{name: "hidden", request: "AABBCCDDEEFF/.partial.tmp", wantErr: firmware.ErrValidation},
		{name: "missing", request: "shared/none.bin", wantErr: firmware.ErrNotFound},
		{name: "bare directory", request: "shared", want: filepath.Join(root, "shared", "boot.bin")},
		{name: "nested directory", request: "nested/dir", wantErr: firmware.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := srv.resolve(context.Background(), tt.request)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("resolve(%q) error = %v, want %v", tt.request, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve(%q): %v", tt.request, err)
			}
			if got != tt.want {
				t.Fatalf("resolve(%q) = %s, want %s", tt.request, got, tt.want)
			}
		})
	}
}

func TestResolveRejectsLinksOutOfStore(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevation on windows")
	}
	srv, store := newTestServer(t)
	outside := filepath.Join(t.TempDir(), "secret.bin")
	writeFile(t, outside, "secret", base)
	if err := os.Symlink(outside, filepath.Join(store.Root(), "leak.bin")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if _, err := srv.resolve(context.Background(), "leak.bin"); !errors.Is(err, firmware.ErrValidation) {
		t.Fatalf("resolve(leak.bin) error = %v, want validation error", err)
	}
}

func TestReadHandler(t *testing.T) {
	srv, store := newTestServer(t)
	writeFile(t, filepath.Join(store.Root(), "AABBCCDDEEFF", "fw.bin"), "firmware", base)

	var buf bytes.Buffer
	if err := srv.readHandler("AABBCCDDEEFF.bin", &buf); err != nil {
		t.Fatalf("readHandler: %v", err)
	}
	if buf.String() != "firmware" {
		t.Fatalf("served %q", buf.String())
	}

	if err := srv.readHandler("../etc/passwd", &buf); err == nil {
		t.Fatal("expected traversal to be refused")
	}
}

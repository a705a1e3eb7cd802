package firmware

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestUploadReceiver(t *testing.T) {
	store := newTestStore(t)
	recv, err := NewUploadReceiver(store, NewHasher(0), false, discardLogger())
	if err != nil {
		t.Fatalf("NewUploadReceiver: %v", err)
	}
	ctx := context.Background()

	receipt, err := recv.Receive(ctx, "AABBCCDDEEFF", "Firmware.BIN", strings.NewReader("new build"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receipt.Identity != "AABBCCDDEEFF" || receipt.MD5 != md5Hex("new build") {
		t.Fatalf("receipt = %+v", receipt)
	}
	if want := filepath.Join(store.Root(), "AABBCCDDEEFF", "Firmware.BIN"); receipt.Artifact.Path != want {
		t.Fatalf("path = %s, want %s", receipt.Artifact.Path, want)
	}

	tests := []struct {
		name     string
		identity string
		filename string
	}{
		{name: "no device", identity: "", filename: "fw.bin"},
		{name: "no file", identity: "DEVICE", filename: ""},
		{name: "traversal", identity: "../DEVICE", filename: "fw.bin"},
		{name: "extension", identity: "DEVICE", filename: "fw.hex"},
		{name: "no extension", identity: "DEVICE", filename: "bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := recv.Receive(ctx, tt.identity, tt.filename, strings.NewReader("x")); !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestUploadReceiverNormalizesWhenEnabled(t *testing.T) {
	store := newTestStore(t)
	recv, err := NewUploadReceiver(store, nil, true, discardLogger())
	if err != nil {
		t.Fatalf("NewUploadReceiver: %v", err)
	}

	receipt, err := recv.Receive(context.Background(), "AA:BB:CC:DD:EE:FF", "fw.bin", strings.NewReader("build"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if receipt.Identity != "AABBCCDDEEFF" {
		t.Fatalf("identity = %s", receipt.Identity)
	}

	sel, err := NewSelector(store, nil, nil, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	d, err := sel.Select(context.Background(), Request{Identity: NormalizeMAC("AA:BB:CC:DD:EE:FF")})
	if err != nil || d.MD5 != receipt.MD5 {
		t.Fatalf("poll after upload = %+v, %v", d, err)
	}
}

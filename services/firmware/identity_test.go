package firmware

import (
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "identity", input: "AABBCCDDEEFF"},
		{name: "nested", input: "group/DEVICE2"},
		{name: "bin alias", input: "DEVICE2/fw.bin"},
		{name: "empty", input: "", wantErr: true},
		{name: "blank", input: "  ", wantErr: true},
		{name: "parent", input: "..", wantErr: true},
		{name: "traversal", input: "../etc/passwd", wantErr: true},
		{name: "dotted prefix", input: "..foo", wantErr: true},
		{name: "absolute", input: "/etc/passwd", wantErr: true},
		{name: "inner traversal", input: "a/../../b", wantErr: true},
		{name: "collapses to root", input: "a/..", wantErr: true},
		{name: "hidden component", input: "a/.aliases.yaml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Fatalf("ValidateName(%q) error = %v, want ErrValidation", tt.input, err)
			}
		})
	}
}

func TestNormalizeMAC(t *testing.T) {
	if got := NormalizeMAC(" AA:BB:CC:DD:EE:FF "); got != "AABBCCDDEEFF" {
		t.Fatalf("NormalizeMAC = %q", got)
	}
	if got := NormalizeMAC("AABBCCDDEEFF"); got != "AABBCCDDEEFF" {
		t.Fatalf("NormalizeMAC = %q", got)
	}
}

func TestSecureFilename(t *testing.T) {
	tests := map[string]string{
		"firmware.bin":    "firmware.bin",
		"../../evil.bin":  "evil.bin",
		"my firmware.bin": "my_firmware.bin",
		"fw?*.bin":        "fw.bin",
		`dir\fw.bin`:      "dir_fw.bin",
		"...":             "",
	}
	for input, want := range tests {
		if got := SecureFilename(input); got != want {
			t.Errorf("SecureFilename(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHasFirmwareExt(t *testing.T) {
	for name, want := range map[string]bool{
		"fw.bin":    true,
		"FW.BIN":    true,
		"fw.bin.gz": false,
		"bin":       false,
		"fw.txt":    false,
	} {
		if got := HasFirmwareExt(name); got != want {
			t.Errorf("HasFirmwareExt(%q) = %v, want %v", name, got, want)
		}
	}
}

package devices

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParse(t *testing.T) {
	got, err := Parse([]byte(`
"AA:BB:CC:DD:EE:FF":
  repo: acme/widget
  version: latest
112233445566:
  repo: acme/sensor
  version: v1.0
  file-name: sensor.bin
"22:33:44:55:66:77":
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]Device{
		"AABBCCDDEEFF": {Repo: "acme/widget", Version: "latest"},
		"112233445566": {Repo: "acme/sensor", Version: "v1.0", FileName: "sensor.bin"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse = %+v, want %+v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"duplicate after normalising": "AABB:\n  repo: a/b\n\"AA:BB\":\n  repo: c/d\n",
		"not a mapping":               "- just\n- a list\n",
		"bad yaml":                    "key: [unclosed\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingIsEmpty(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Load = %+v, want empty", got)
	}
}

func TestLoadDirectoryMerges(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, "10-base.yaml"), "AABBCCDDEEFF:\n  repo: acme/widget\n  version: v1.0\n")
	writeConfig(t, filepath.Join(dir, "20-override.yml"), "\"AA:BB:CC:DD:EE:FF\":\n  repo: acme/widget\n  version: v2.0\n112233445566:\n  repo: acme/sensor\n")
	writeConfig(t, filepath.Join(dir, "notes.txt"), "not: [yaml\n")

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got["AABBCCDDEEFF"].Version != "v2.0" || got["112233445566"].Repo != "acme/sensor" || len(got) != 2 {
		t.Fatalf("Load = %+v", got)
	}
}

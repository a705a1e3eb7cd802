package render

import (
	"strings"
	"testing"
)

func TestRenderUploadForm(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := engine.Render("upload.html.tmpl", map[string]any{
		"Action":   "/upload",
		"DeviceID": `"><script>`,
		"Accept":   ".bin",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{`name="device_id"`, `name="file"`, `enctype="multipart/form-data"`, `accept=".bin"`} {
		if !strings.Contains(out, want) {
			t.Errorf("form missing %s", want)
		}
	}
	if strings.Contains(out, "<script>") {
		t.Fatal("device id was not escaped")
	}
}

func TestRenderHeaders(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	type header struct{ Name, Value string }
	out, err := engine.Render("headers.html.tmpl", map[string]any{
		"Headers": []header{{"Host", "ota.local"}, {"X-Esp8266-Ap-Mac", "<b>"}},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "Host ota.local<br>") || !strings.Contains(out, "X-Esp8266-Ap-Mac &lt;b&gt;<br>") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := engine.Render("missing.tmpl", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

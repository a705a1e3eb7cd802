package ledger

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestComputeDiff(t *testing.T) {
	previous := map[string]any{
		"free_space":  "671744",
		"sdk_version": "1.5.3",
		"chip_size":   "4194304",
	}
	current := map[string]any{
		"free_space":  "600000",
		"sdk_version": "1.5.3",
		"sketch_md5":  "abc123",
	}

	got := computeDiff(previous, current)
	want := map[string]map[string]any{
		"free_space": {"old": "671744", "new": "600000"},
		"chip_size":  {"old": "4194304", "new": nil},
		"sketch_md5": {"old": nil, "new": "abc123"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("computeDiff = %v, want %v", got, want)
	}

	if diff := computeDiff(current, current); len(diff) != 0 {
		t.Fatalf("identical facts produced a diff: %v", diff)
	}
	if diff := computeDiff(nil, nil); len(diff) != 0 {
		t.Fatalf("nil maps produced a diff: %v", diff)
	}
}

func TestDecodeEvent(t *testing.T) {
	id := uuid.New()
	evt, err := decodeEvent([]byte(`{"id":"` + id.String() + `","identity":"AABBCCDDEEFF","outcome":"not_modified"}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if evt.ID != id || evt.Identity != "AABBCCDDEEFF" || evt.Facts == nil || evt.At.IsZero() {
		t.Fatalf("decodeEvent = %+v", evt)
	}

	for name, payload := range map[string]string{
		"bad json":    `{`,
		"no id":       `{"identity":"AABBCCDDEEFF"}`,
		"no identity": `{"id":"` + id.String() + `"}`,
	} {
		if _, err := decodeEvent([]byte(payload)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

package firmware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func updaterHeaders() http.Header {
	h := http.Header{}
	h.Set(HeaderSketchMD5, "abc123")
	h.Set(HeaderStaMAC, "18:FE:34:00:00:01")
	h.Set(HeaderApMAC, "1A:FE:34:00:00:01")
	h.Set(HeaderFreeSpace, "671744")
	h.Set(HeaderSketchSize, "373936")
	h.Set(HeaderChipSize, "4194304")
	h.Set(HeaderSDKVersion, "1.5.3(aec24ac9)")
	return h
}

func TestRequestFromHeaders(t *testing.T) {
	req, err := RequestFromHeaders(updaterHeaders(), false)
	if err != nil {
		t.Fatalf("RequestFromHeaders: %v", err)
	}
	want := Request{
		Identity:   "1AFE34000001",
		ApMAC:      "1A:FE:34:00:00:01",
		StaMAC:     "18:FE:34:00:00:01",
		SketchMD5:  "abc123",
		FreeSpace:  "671744",
		SketchSize: "373936",
		ChipSize:   "4194304",
		SDKVersion: "1.5.3(aec24ac9)",
	}
	if !reflect.DeepEqual(req, want) {
		t.Fatalf("RequestFromHeaders = %+v, want %+v", req, want)
	}
	if facts := req.Facts(); facts["chip_size"] != "4194304" || facts["sta_mac"] != "18:FE:34:00:00:01" {
		t.Fatalf("Facts = %v", facts)
	}
}

func TestRequestFromHeadersMissing(t *testing.T) {
	h := updaterHeaders()
	h.Del(HeaderChipSize)
	h.Del(HeaderSDKVersion)

	_, err := RequestFromHeaders(h, false)
	if !errors.Is(err, ErrMissingHeaders) {
		t.Fatalf("error = %v, want ErrMissingHeaders", err)
	}
	if !strings.Contains(err.Error(), HeaderChipSize) || !strings.Contains(err.Error(), HeaderSDKVersion) {
		t.Fatalf("error does not name the missing headers: %v", err)
	}

	h = updaterHeaders()
	h.Set(HeaderFreeSpace, "")
	if _, err := RequestFromHeaders(h, false); err != nil {
		t.Fatalf("empty but present header rejected: %v", err)
	}
}

func TestRequestFromHeadersDebug(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderApMAC, "AA:BB:CC:DD:EE:FF")

	req, err := RequestFromHeaders(h, true)
	if err != nil {
		t.Fatalf("RequestFromHeaders: %v", err)
	}
	if req.Identity != "AABBCCDDEEFF" || req.SketchMD5 != "" {
		t.Fatalf("request = %+v", req)
	}
}

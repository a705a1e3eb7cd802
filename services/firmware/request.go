package firmware

import (
	"fmt"
	"net/http"
	"strings"
)

// Headers sent by the ESP8266 HTTP updater.
const (
	HeaderSketchMD5  = "X-ESP8266-SKETCH-MD5"
	HeaderStaMAC     = "X-ESP8266-STA-MAC"
	HeaderApMAC      = "X-ESP8266-AP-MAC"
	HeaderFreeSpace  = "X-ESP8266-FREE-SPACE"
	HeaderSketchSize = "X-ESP8266-SKETCH-SIZE"
	HeaderChipSize   = "X-ESP8266-CHIP-SIZE"
	HeaderSDKVersion = "X-ESP8266-SDK-VERSION"
)

var requiredHeaders = []string{
	HeaderSketchMD5,
	HeaderStaMAC,
	HeaderApMAC,
	HeaderFreeSpace,
	HeaderSketchSize,
	HeaderChipSize,
	HeaderSDKVersion,
}

// Request is one firmware poll.
type Request struct {
	Identity   string
	ApMAC      string
	StaMAC     string
	SketchMD5  string
	FreeSpace  string
	SketchSize string
	ChipSize   string
	SDKVersion string
}

// RequestFromHeaders reads an updater poll. Unless debug is set every updater
// header must be present; values may be empty.
func RequestFromHeaders(h http.Header, debug bool) (Request, error) {
	if !debug {
		var missing []string
		for _, name := range requiredHeaders {
			if len(h.Values(name)) == 0 {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return Request{}, fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ", "))
		}
	}

	req := Request{
		ApMAC:      h.Get(HeaderApMAC),
		StaMAC:     h.Get(HeaderStaMAC),
		SketchMD5:  h.Get(HeaderSketchMD5),
		FreeSpace:  h.Get(HeaderFreeSpace),
		SketchSize: h.Get(HeaderSketchSize),
		ChipSize:   h.Get(HeaderChipSize),
		SDKVersion: h.Get(HeaderSDKVersion),
	}
	req.Identity = NormalizeMAC(req.ApMAC)
	return req, nil
}

// Facts returns the device-reported values worth auditing between polls.
func (r Request) Facts() map[string]any {
	return map[string]any{
		"sta_mac":     r.StaMAC,
		"sketch_md5":  r.SketchMD5,
		"free_space":  r.FreeSpace,
		"sketch_size": r.SketchSize,
		"chip_size":   r.ChipSize,
		"sdk_version": r.SDKVersion,
	}
}

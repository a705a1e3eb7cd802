package ota

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"sort"
	"strings"

	"espota/services/firmware"
)

type headerLine struct {
	Name  string
	Value string
}

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	respondText(w, http.StatusOK, "Hello, World!")
}

func (a *API) handleHeaders(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]headerLine, 0, len(names))
	for _, name := range names {
		for _, value := range r.Header.Values(name) {
			lines = append(lines, headerLine{Name: name, Value: value})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.renderer.Execute(w, "headers.html.tmpl", map[string]any{"Headers": lines}); err != nil {
		a.logger.Printf("ERROR render headers: %v", err)
	}
}

// handleFile answers an ESP8266 updater poll. Devices only ever see 200,
// 304, 403 or 404 from here.
func (a *API) handleFile(w http.ResponseWriter, r *http.Request) {
	debug := r.URL.Query().Get("debug") != ""
	req, err := firmware.RequestFromHeaders(r.Header, debug)
	if err != nil {
		a.metrics.check("forbidden")
		a.logger.Printf("WARN rejected poll from %s: %v", r.RemoteAddr, err)
		respondText(w, http.StatusForbidden, "only for ESP8266 updater! (header)\n")
		return
	}
	a.logger.Printf("INFO request from device MAC AP: %s MAC STA: %s", req.ApMAC, req.StaMAC)

	d, err := a.selector.Select(r.Context(), req)
	if err != nil {
		a.logger.Printf("ERROR resolve firmware for %s: %v", req.ApMAC, err)
		a.metrics.check("error")
		a.recordCheckin(r.Context(), req, "error", d)
		respondText(w, http.StatusNotFound, fmt.Sprintf("No firmware for this chip %s\n", req.ApMAC))
		return
	}
	a.metrics.check(string(d.Outcome))
	a.recordCheckin(r.Context(), req, string(d.Outcome), d)

	switch d.Outcome {
	case firmware.OutcomeNotFound:
		a.logger.Printf("INFO no firmware for %s", req.Identity)
		respondText(w, http.StatusNotFound, fmt.Sprintf("No firmware for this chip %s\n", req.ApMAC))
		return
	case firmware.OutcomeNotModified:
		a.logger.Printf("INFO %s already runs %s", req.Identity, d.MD5)
		respondText(w, http.StatusNotModified, "Firmware is newest version\n")
		return
	}

	f, err := os.Open(d.Artifact.Path)
	if err != nil {
		a.logger.Printf("ERROR open %s: %v", d.Artifact.Path, err)
		respondText(w, http.StatusNotFound, fmt.Sprintf("No firmware for this chip %s\n", req.ApMAC))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		a.logger.Printf("ERROR stat %s: %v", d.Artifact.Path, err)
		respondText(w, http.StatusNotFound, fmt.Sprintf("No firmware for this chip %s\n", req.ApMAC))
		return
	}
	// the file may have been replaced since it was selected
	sum, err := a.hasher.SumOpen(f)
	if err != nil {
		a.logger.Printf("ERROR hash %s: %v", d.Artifact.Path, err)
		respondText(w, http.StatusNotFound, fmt.Sprintf("No firmware for this chip %s\n", req.ApMAC))
		return
	}
	if sum != d.MD5 {
		a.logger.Printf("WARN %s changed while serving, md5 %s is now %s", d.Artifact.Name, d.MD5, sum)
		d.MD5 = sum
		if strings.EqualFold(strings.TrimSpace(req.SketchMD5), sum) {
			respondText(w, http.StatusNotModified, "Firmware is newest version\n")
			return
		}
	}

	a.logger.Printf("INFO sending %s (md5 %s) to %s", d.Artifact.Name, d.MD5, req.Identity)
	w.Header().Set("X-MD5", d.MD5)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Artifact.Name}))
	http.ServeContent(w, r, d.Artifact.Name, info.ModTime(), f)
}

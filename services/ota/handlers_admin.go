package ota

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"espota/services/devices"
	"espota/services/firmware"
)

const (
	opCreate = "create"
	opDelete = "delete"
)

func (a *API) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	name := wildcardParam(r)
	target := r.URL.Query().Get("target")
	if target == "" {
		a.metrics.link(opCreate, "rejected")
		a.logger.Printf("ERROR link %q: no target given", name)
		respondStatus(w, http.StatusBadRequest)
		return
	}

	outcome, err := a.aliases.Create(name, target)
	if err != nil {
		status := statusFor(err)
		a.metrics.link(opCreate, linkResult(status))
		a.logger.Printf("ERROR link %q -> %q: %v", name, target, err)
		respondStatus(w, status)
		return
	}
	a.metrics.link(opCreate, outcome.String())
	a.publish(r.Context(), linksSubject, LinkEvent{Op: opCreate, Name: name, Target: target, Outcome: outcome.String(), At: a.now().UTC()})

	if outcome == firmware.AliasSkipped {
		respondText(w, http.StatusAccepted, "Skipped: insufficient privileges to create link\n")
		return
	}
	a.logger.Printf("INFO linked %s -> %s", name, target)
	respondText(w, http.StatusCreated, "Created\n")
}

func (a *API) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	name := wildcardParam(r)

	outcome, err := a.aliases.Delete(name)
	if err != nil {
		status := statusFor(err)
		a.metrics.link(opDelete, linkResult(status))
		a.logger.Printf("ERROR unlink %q: %v", name, err)
		respondStatus(w, status)
		return
	}
	a.metrics.link(opDelete, outcome.String())
	a.publish(r.Context(), linksSubject, LinkEvent{Op: opDelete, Name: name, Outcome: outcome.String(), At: a.now().UTC()})

	if outcome == firmware.AliasSkipped {
		respondText(w, http.StatusAccepted, "Skipped: insufficient privileges to delete link\n")
		return
	}
	a.logger.Printf("INFO unlinked %s", name)
	respondText(w, http.StatusOK, "Deleted\n")
}

func linkResult(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "rejected"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "denied"
	default:
		return "error"
	}
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, changed, err := a.registry.Reload()
	a.ConfigReloaded(r.Context(), snap, changed, err)
	if err != nil {
		respondStatus(w, http.StatusInternalServerError)
		return
	}
	respondText(w, http.StatusOK, "Reloaded\n")
}

// ConfigReloaded counts, logs and publishes a device config reload. It
// satisfies devices.ReloadFunc.
func (a *API) ConfigReloaded(ctx context.Context, snap *devices.Snapshot, changed bool, err error) {
	evt := ReloadEvent{Changed: changed, At: a.now().UTC()}
	if snap != nil {
		evt.Version = snap.Version
		evt.Devices = len(snap.Devices)
	}
	if err != nil {
		a.metrics.reload("error")
		a.logger.Printf("ERROR reload device config %s: %v", a.registry.Path(), err)
		evt.Error = err.Error()
	} else {
		a.metrics.reload("ok")
		a.logger.Printf("INFO device config reloaded (%d devices, changed=%t)", evt.Devices, changed)
	}
	a.publish(ctx, reloadedSubject, evt)
}

// FirmwareInfo describes what a device would be served right now.
type FirmwareInfo struct {
	Identity    string               `json:"identity"`
	Source      string               `json:"source"`
	Name        string               `json:"name"`
	Path        string               `json:"path"`
	Size        int64                `json:"size"`
	MD5         string               `json:"md5"`
	CreatedAt   time.Time            `json:"created_at"`
	Release     *firmware.ReleaseRef `json:"release,omitempty"`
	DownloadURL string               `json:"download_url,omitempty"`
}

func (a *API) handleFirmwareInfo(w http.ResponseWriter, r *http.Request) {
	identity := firmware.NormalizeMAC(chi.URLParam(r, "identity"))
	d, err := a.selector.Resolve(r.Context(), identity)
	if err != nil {
		a.logger.Printf("ERROR resolve firmware for %s: %v", identity, err)
		respondError(w, statusFor(err), err)
		return
	}
	if d.Outcome == firmware.OutcomeNotFound {
		respondError(w, http.StatusNotFound, fmt.Errorf("no firmware for %s", identity))
		return
	}

	info := FirmwareInfo{
		Identity:  identity,
		Source:    d.Source,
		Name:      d.Artifact.Name,
		Path:      d.Artifact.Path,
		Size:      d.Artifact.Size,
		MD5:       d.MD5,
		CreatedAt: d.Artifact.Created.UTC(),
		Release:   d.Release,
	}
	if rel, err := a.store.Rel(d.Artifact.Path); err == nil {
		info.Path = rel
	}
	if a.mirror != nil {
		if key, err := a.mirrorKey(d.Artifact.Path); err == nil {
			ctx, cancel := withTimeout(r.Context())
			url, err := a.mirror.PresignGet(ctx, key, presignURLExpiry)
			cancel()
			if err != nil {
				a.logger.Printf("WARN presign %s: %v", key, err)
			} else {
				info.DownloadURL = url
			}
		}
	}
	respondJSON(w, http.StatusOK, info)
}

func (a *API) handleCheckins(w http.ResponseWriter, r *http.Request) {
	if a.checkins == nil {
		respondError(w, http.StatusNotImplemented, errors.New("check-in ledger is not configured"))
		return
	}
	identity := firmware.NormalizeMAC(chi.URLParam(r, "identity"))
	if err := firmware.ValidateName(identity); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := a.checkins.Recent(r.Context(), identity, queryInt(r, "limit", 0))
	if err != nil {
		a.logger.Printf("ERROR list check-ins for %s: %v", identity, err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"checkins": rows,
	})
}

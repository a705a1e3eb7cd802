package ota

import (
	"context"
	"time"

	"github.com/google/uuid"

	"espota/services/firmware"
	"espota/services/ledger"
)

const (
	// StreamName is the JetStream stream carrying every espota subject.
	StreamName = "ESPOTA"
	// StreamSubjects is the subject filter of StreamName.
	StreamSubjects = "espota.>"

	uploadedSubject = "espota.firmware.uploaded"
	linksSubject    = "espota.links.changed"
	reloadedSubject = "espota.config.reloaded"
)

// Publisher publishes JSON events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Checkins records and lists firmware polls. *ledger.Ledger satisfies it.
type Checkins interface {
	Record(ctx context.Context, evt ledger.CheckinEvent) error
	Recent(ctx context.Context, identity string, limit int) ([]ledger.Checkin, error)
}

// UploadedEvent is published after an upload is stored.
type UploadedEvent struct {
	Identity string    `json:"identity"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	MD5      string    `json:"md5"`
	At       time.Time `json:"at"`
}

// LinkEvent is published after an alias is created or removed.
type LinkEvent struct {
	Op      string    `json:"op"`
	Name    string    `json:"name"`
	Target  string    `json:"target,omitempty"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

// ReloadEvent is published after the device config is re-read.
type ReloadEvent struct {
	Version string    `json:"version,omitempty"`
	Devices int       `json:"devices"`
	Changed bool      `json:"changed"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

func (a *API) publish(ctx context.Context, subject string, payload any) {
	if a.bus == nil {
		return
	}
	ctx, cancel := withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := a.bus.Publish(ctx, subject, payload); err != nil {
		a.logger.Printf("WARN publish %s: %v", subject, err)
	}
}

// recordCheckin hands one poll to the ledger, through the bus when one is
// configured and directly otherwise.
func (a *API) recordCheckin(ctx context.Context, req firmware.Request, outcome string, d firmware.Decision) {
	if req.Identity == "" || (a.bus == nil && a.checkins == nil) {
		return
	}
	evt := ledger.CheckinEvent{
		ID:         uuid.New(),
		Identity:   req.Identity,
		StaMAC:     req.StaMAC,
		ClaimedMD5: req.SketchMD5,
		ServedMD5:  d.MD5,
		Outcome:    outcome,
		Source:     d.Source,
		Facts:      req.Facts(),
		At:         a.now().UTC(),
	}
	if a.bus != nil {
		a.publish(ctx, ledger.CheckedSubject, evt)
		return
	}
	ctx, cancel := withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := a.checkins.Record(ctx, evt); err != nil {
		a.logger.Printf("WARN record check-in for %s: %v", req.Identity, err)
	}
}

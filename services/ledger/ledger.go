package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"espota/pkg/bus"
	"espota/pkg/db"
)

const (
	// CheckedSubject carries one CheckinEvent per firmware poll.
	CheckedSubject = "espota.firmware.checked"

	durableName       = "ledger-checkins"
	actionFirstSeen   = "first_seen"
	actionFactsChange = "facts_changed"
)

// CheckinEvent describes one firmware poll.
type CheckinEvent struct {
	ID         uuid.UUID      `json:"id"`
	Identity   string         `json:"identity"`
	StaMAC     string         `json:"sta_mac"`
	ClaimedMD5 string         `json:"claimed_md5"`
	ServedMD5  string         `json:"served_md5,omitempty"`
	Outcome    string         `json:"outcome"`
	Source     string         `json:"source,omitempty"`
	Facts      map[string]any `json:"facts"`
	At         time.Time      `json:"at"`
}

// Checkin is a stored poll.
type Checkin struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	Identity   string         `db:"identity" json:"identity"`
	StaMAC     string         `db:"sta_mac" json:"sta_mac"`
	ClaimedMD5 string         `db:"claimed_md5" json:"claimed_md5"`
	ServedMD5  string         `db:"served_md5" json:"served_md5"`
	Outcome    string         `db:"outcome" json:"outcome"`
	Source     string         `db:"source" json:"source"`
	Facts      map[string]any `db:"facts" json:"facts"`
	At         time.Time      `db:"at" json:"at"`
}

// Ledger stores firmware polls and audits changes in what devices report
// about themselves.
type Ledger struct {
	pool   *pgxpool.Pool
	bus    *bus.Bus
	logger *log.Logger

	subMu sync.Mutex
	sub   io.Closer
}

// New constructs a Ledger. b may be nil, in which case events are only
// recorded through Record.
func New(pool *pgxpool.Pool, b *bus.Bus, logger *log.Logger) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ledger{pool: pool, bus: b, logger: logger}, nil
}

// Start subscribes to check-in events until ctx is cancelled. It is a no-op
// without a bus.
func (l *Ledger) Start(ctx context.Context) error {
	if l == nil {
		return errors.New("nil ledger")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if l.bus == nil {
		return nil
	}

	handler := func(msgCtx context.Context, data []byte) error {
		evt, err := decodeEvent(data)
		if err != nil {
			l.logger.Printf("WARN dropping malformed check-in event: %v", err)
			return nil
		}
		return l.Record(msgCtx, evt)
	}

	sub, err := l.bus.Subscribe(ctx, CheckedSubject, durableName, handler)
	if err != nil {
		return err
	}

	l.subMu.Lock()
	l.sub = sub
	l.subMu.Unlock()
	return nil
}

// Close stops the subscription if one was created.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}

	l.subMu.Lock()
	defer l.subMu.Unlock()

	if l.sub == nil {
		return nil
	}
	err := l.sub.Close()
	l.sub = nil
	return err
}

// Record stores evt and audits the facts that changed since the device's
// previous poll. Replayed events are ignored.
func (l *Ledger) Record(ctx context.Context, evt CheckinEvent) error {
	evt = normalizeEvent(evt)
	if evt.Identity == "" {
		return errors.New("identity missing from event")
	}

	previous, err := l.previousFacts(ctx, evt.Identity, evt.ID)
	first := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !first {
		return err
	}

	inserted, err := l.insertCheckin(ctx, evt)
	if err != nil || !inserted {
		return err
	}

	diff := computeDiff(previous, evt.Facts)
	if len(diff) == 0 {
		return nil
	}
	action := actionFactsChange
	if first {
		action = actionFirstSeen
	}
	return l.insertAudit(ctx, evt, action, diff)
}

// Ping reports whether the database answers.
func (l *Ledger) Ping(ctx context.Context) error {
	return db.Ping(ctx, l.pool)
}

// Recent returns up to limit polls for identity, newest first.
func (l *Ledger) Recent(ctx context.Context, identity string, limit int) ([]Checkin, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Checkin
	err := db.Select(ctx, l.pool, &out, `
SELECT id, identity, sta_mac, claimed_md5, served_md5, outcome, source, facts, at
FROM checkins
WHERE identity = $1
ORDER BY at DESC
LIMIT $2
`, identity, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) previousFacts(ctx context.Context, identity string, current uuid.UUID) (map[string]any, error) {
	var raw []byte
	err := db.Get(ctx, l.pool, &raw, `
SELECT facts
FROM checkins
WHERE identity = $1 AND id <> $2
ORDER BY at DESC
LIMIT 1
`, identity, current)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var facts map[string]any
	if err := json.Unmarshal(raw, &facts); err != nil {
		return nil, err
	}
	return facts, nil
}

func (l *Ledger) insertCheckin(ctx context.Context, evt CheckinEvent) (bool, error) {
	factsBytes, err := json.Marshal(evt.Facts)
	if err != nil {
		return false, err
	}

	tag, err := db.Exec(ctx, l.pool, `
INSERT INTO checkins (id, identity, sta_mac, claimed_md5, served_md5, outcome, source, facts, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
ON CONFLICT (id) DO NOTHING
`, evt.ID, evt.Identity, evt.StaMAC, evt.ClaimedMD5, evt.ServedMD5, evt.Outcome, evt.Source, factsBytes, evt.At)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (l *Ledger) insertAudit(ctx context.Context, evt CheckinEvent, action string, diff map[string]map[string]any) error {
	details := map[string]any{
		"checkin_id": evt.ID.String(),
		"changes":    diff,
	}
	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, l.pool, `
INSERT INTO device_audit (identity, action, details, at)
VALUES ($1, $2, $3::jsonb, $4)
`, evt.Identity, action, detailsBytes, evt.At)
	return err
}

func decodeEvent(data []byte) (CheckinEvent, error) {
	var evt CheckinEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return CheckinEvent{}, err
	}
	if evt.ID == uuid.Nil {
		return CheckinEvent{}, errors.New("id missing from event")
	}
	if evt.Identity == "" {
		return CheckinEvent{}, errors.New("identity missing from event")
	}
	return normalizeEvent(evt), nil
}

func normalizeEvent(evt CheckinEvent) CheckinEvent {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.Facts == nil {
		evt.Facts = map[string]any{}
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	return evt
}

func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}

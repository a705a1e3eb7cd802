package devices

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"espota/services/firmware"
)

// Snapshot is an immutable view of the device mapping. Callers must not
// modify Devices.
type Snapshot struct {
	Version   string
	UpdatedAt time.Time
	Devices   map[string]Device
}

// Configured returns the sorted identities that have a remote repo.
func (s *Snapshot) Configured() []string {
	var ids []string
	for id, dev := range s.Devices {
		if dev.Repo != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Registry serves the current device mapping. Reloads build a new Snapshot
// and swap it in, so readers see either the old or the new mapping.
type Registry struct {
	path   string
	logger *log.Logger

	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// NewRegistry loads the mapping at path.
func NewRegistry(path string, logger *log.Logger) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("device config path is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{path: path, logger: logger}
	if _, _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the config location.
func (r *Registry) Path() string {
	return r.path
}

// Snapshot returns the current mapping.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup implements firmware.Configs. Devices without a repo have no remote
// source.
func (r *Registry) Lookup(identity string) (firmware.ReleaseSpec, bool) {
	snap := r.current.Load()
	if snap == nil {
		return firmware.ReleaseSpec{}, false
	}
	dev, ok := snap.Devices[firmware.NormalizeMAC(identity)]
	if !ok || dev.Repo == "" {
		return firmware.ReleaseSpec{}, false
	}
	return dev.Spec(), true
}

// Reload reads the mapping from disk. A parse failure keeps the previous
// snapshot. changed is false when the content is identical, in which case the
// version is kept.
func (r *Registry) Reload() (snap *Snapshot, changed bool, err error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	devices, err := Load(r.path)
	if err != nil {
		return r.current.Load(), false, fmt.Errorf("load %s: %w", r.path, err)
	}

	prev := r.current.Load()
	if prev != nil && reflect.DeepEqual(prev.Devices, devices) {
		return prev, false, nil
	}

	next := &Snapshot{
		Version:   uuid.NewString(),
		UpdatedAt: time.Now().UTC(),
		Devices:   devices,
	}
	r.current.Store(next)
	r.logger.Printf("INFO loaded device config %s: %d devices (version %s)", r.path, len(devices), next.Version)
	return next, true, nil
}

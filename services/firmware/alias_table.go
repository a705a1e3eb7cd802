package firmware

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// AliasTableFile is the table persisted under the store root.
const AliasTableFile = ".aliases.yaml"

type aliasDocument struct {
	Aliases map[string]string `yaml:"aliases"`
}

// TableAliases keeps aliases in a YAML table instead of the filesystem. The
// store consults it through the Redirector interface.
type TableAliases struct {
	store  *Store
	path   string
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]string
}

// LoadTableAliases reads the alias table under root. A missing table is empty.
func LoadTableAliases(root string, logger *log.Logger) (*TableAliases, error) {
	if logger == nil {
		logger = log.Default()
	}
	t := &TableAliases{
		path:    filepath.Join(root, AliasTableFile),
		logger:  logger,
		entries: make(map[string]string),
	}

	data, err := os.ReadFile(t.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("read alias table: %w", err)
	}

	var doc aliasDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}
	for name, target := range doc.Aliases {
		if ValidateName(name) != nil || ValidateName(target) != nil {
			logger.Printf("WARN ignoring invalid alias %q -> %q", name, target)
			continue
		}
		t.entries[key(name)] = key(target)
	}
	return t, nil
}

// Bind attaches the store used to check alias targets.
func (t *TableAliases) Bind(store *Store) {
	t.mu.Lock()
	t.store = store
	t.mu.Unlock()
}

// Target implements Redirector.
func (t *TableAliases) Target(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.entries[key(name)]
	return target, ok
}

// Entries returns a copy of the table.
func (t *TableAliases) Entries() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Create records name -> target with the same checks as symlink aliases.
func (t *TableAliases) Create(name, target string) (AliasOutcome, error) {
	if t.store == nil {
		return AliasApplied, errors.New("alias table is not bound to a store")
	}
	if _, ok := t.Target(name); ok {
		return AliasApplied, fmt.Errorf("%w: alias %s", ErrAlreadyExists, name)
	}
	linkPath, _, err := checkAlias(t.store, name, target)
	if err != nil {
		return AliasApplied, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key(name)]; ok {
		return AliasApplied, fmt.Errorf("%w: alias %s", ErrAlreadyExists, name)
	}
	t.entries[key(name)] = key(target)
	if _, err := follow(tableView(t.entries), name); err != nil {
		delete(t.entries, key(name))
		return AliasApplied, err
	}
	if err := t.saveLocked(); err != nil {
		delete(t.entries, key(name))
		return AliasApplied, err
	}
	if err := clearPlaceholder(linkPath, t.logger); err != nil {
		t.logger.Printf("WARN alias %s recorded but placeholder could not be removed: %v", name, err)
	}
	t.logger.Printf("INFO recorded alias %s -> %s", name, target)
	return AliasApplied, nil
}

// Delete removes name from the table.
func (t *TableAliases) Delete(name string) (AliasOutcome, error) {
	if err := ValidateName(name); err != nil {
		return AliasApplied, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.entries[key(name)]
	if !ok {
		return AliasApplied, fmt.Errorf("%w: %s is not an alias", ErrNotFound, name)
	}
	delete(t.entries, key(name))
	if err := t.saveLocked(); err != nil {
		t.entries[key(name)] = target
		return AliasApplied, err
	}
	t.logger.Printf("INFO removed alias %s", name)
	return AliasApplied, nil
}

func (t *TableAliases) saveLocked() error {
	data, err := yaml.Marshal(aliasDocument{Aliases: t.entries})
	if err != nil {
		return fmt.Errorf("encode alias table: %w", err)
	}
	if _, err := writeAtomic(t.path, bytes.NewReader(data), nil); err != nil {
		return fmt.Errorf("save alias table: %w", err)
	}
	return nil
}

type tableView map[string]string

func (v tableView) Target(name string) (string, bool) {
	target, ok := v[key(name)]
	return target, ok
}

func key(name string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
}

package firmware

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

// AliasOutcome reports what an alias operation did.
type AliasOutcome int

const (
	// AliasApplied means the alias now exists (or no longer exists on delete).
	AliasApplied AliasOutcome = iota
	// AliasSkipped means the process lacked the privilege to touch the link
	// and nothing changed.
	AliasSkipped
)

func (o AliasOutcome) String() string {
	if o == AliasSkipped {
		return "skipped"
	}
	return "applied"
}

// Aliases redirects one store name to another.
type Aliases interface {
	Create(name, target string) (AliasOutcome, error)
	Delete(name string) (AliasOutcome, error)
}

// SymlinkAliases installs aliases as relative symbolic links inside the store.
type SymlinkAliases struct {
	store      *Store
	logger     *log.Logger
	privileged func() bool
	symlink    func(oldname, newname string) error
	remove     func(name string) error
}

// NewSymlinkAliases returns symlink-backed aliases for store.
func NewSymlinkAliases(store *Store, logger *log.Logger) *SymlinkAliases {
	if logger == nil {
		logger = log.Default()
	}
	return &SymlinkAliases{
		store:      store,
		logger:     logger,
		privileged: canSymlink,
		symlink:    os.Symlink,
		remove:     os.Remove,
	}
}

// SymlinksPrivileged reports whether this process may create symbolic links.
func SymlinksPrivileged() bool {
	return canSymlink()
}

// Create links name to target. The target must exist, a .bin alias can only
// point at a file, and an existing name must be an empty directory, which is
// removed first.
func (a *SymlinkAliases) Create(name, target string) (AliasOutcome, error) {
	linkPath, targetPath, err := checkAlias(a.store, name, target)
	if err != nil {
		return AliasApplied, err
	}

	if !a.privileged() {
		a.logger.Printf("WARN creating symlinks requires elevated rights, skipping %s -> %s", name, target)
		return AliasSkipped, nil
	}
	if err := clearPlaceholder(linkPath, a.logger); err != nil {
		return AliasApplied, err
	}

	rel, err := filepath.Rel(filepath.Dir(linkPath), targetPath)
	if err != nil {
		return AliasApplied, fmt.Errorf("relative target: %w", err)
	}
	a.logger.Printf("INFO creating link %s -> %s", name, target)
	if err := a.symlink(rel, linkPath); err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return AliasApplied, fmt.Errorf("%w: create link %s: %v", ErrPermissionDenied, name, err)
		case errors.Is(err, fs.ErrExist):
			return AliasApplied, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return AliasApplied, fmt.Errorf("create link %s: %w", name, err)
	}
	return AliasApplied, nil
}

// Delete removes the link called name. Plain files and directories are never
// removed.
func (a *SymlinkAliases) Delete(name string) (AliasOutcome, error) {
	if err := ValidateName(name); err != nil {
		return AliasApplied, err
	}
	linkPath := filepath.Join(a.store.Root(), filepath.FromSlash(name))

	info, err := os.Lstat(linkPath)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return AliasApplied, fmt.Errorf("%w: %s is not a link", ErrNotFound, name)
	}

	if !a.privileged() {
		a.logger.Printf("WARN deleting symlinks requires elevated rights, skipping %s", name)
		return AliasSkipped, nil
	}
	a.logger.Printf("INFO deleting link %s", name)
	if err := a.remove(linkPath); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return AliasApplied, fmt.Errorf("%w: delete link %s: %v", ErrPermissionDenied, name, err)
		}
		return AliasApplied, fmt.Errorf("delete link %s: %w", name, err)
	}
	return AliasApplied, nil
}

// checkAlias validates an alias request without changing anything except
// creating missing parent directories of the link.
func checkAlias(store *Store, name, target string) (linkPath, targetPath string, err error) {
	if err := ValidateName(name); err != nil {
		return "", "", err
	}
	if err := ValidateName(target); err != nil {
		return "", "", err
	}
	if filepath.Clean(filepath.FromSlash(name)) == filepath.Clean(filepath.FromSlash(target)) {
		return "", "", fmt.Errorf("%w: %s can not point at itself", ErrValidation, name)
	}

	targetPath, err = store.Locate(target)
	if err != nil {
		return "", "", err
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("%w: target %s must exist", ErrNotFound, target)
		}
		return "", "", err
	}
	if HasFirmwareExt(name) && info.IsDir() {
		return "", "", fmt.Errorf("%w: %s is a %s file, target %s is a directory", ErrValidation, name, FirmwareExt, target)
	}

	linkPath = filepath.Join(store.Root(), filepath.FromSlash(name))
	existing, err := os.Lstat(linkPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", "", err
	case !existing.IsDir():
		return "", "", fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	default:
		entries, err := os.ReadDir(linkPath)
		if err != nil {
			return "", "", err
		}
		if len(entries) > 0 {
			return "", "", fmt.Errorf("%w: %s must not exist or be an empty directory", ErrAlreadyExists, name)
		}
	}

	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return "", "", fmt.Errorf("create parents of %s: %w", name, err)
	}
	return linkPath, targetPath, nil
}

func clearPlaceholder(linkPath string, logger *log.Logger) error {
	info, err := os.Lstat(linkPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		logger.Printf("INFO removing empty placeholder directory %s", linkPath)
		return os.Remove(linkPath)
	}
	return nil
}

package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxRedirects = 8

// Artifact is a firmware file on disk.
type Artifact struct {
	Path    string
	Name    string
	Size    int64
	Created time.Time
}

// Redirector maps a store-relative name onto another one without touching
// the filesystem.
type Redirector interface {
	Target(name string) (string, bool)
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithRedirects makes the store consult r before resolving names on disk.
func WithRedirects(r Redirector) StoreOption {
	return func(s *Store) {
		s.redirects = r
	}
}

// WithTimestamp overrides how a file's creation time is read.
func WithTimestamp(fn func(fs.FileInfo) time.Time) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.stamp = fn
		}
	}
}

// Store is the local artifact tree, one directory per device identity.
type Store struct {
	root      string
	redirects Redirector
	stamp     func(fs.FileInfo) time.Time
	locks     *keyedMutex
}

// NewStore opens (and creates if needed) the artifact tree rooted at root.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	s := &Store{
		root:  abs,
		stamp: createdAt,
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string {
	return s.root
}

// Locate maps a store-relative name to its path on disk, following table
// aliases. The path may not exist.
func (s *Store) Locate(name string) (string, error) {
	target, err := follow(s.redirects, name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(target)), nil
}

// Rel returns path relative to the store root in slash form.
func (s *Store) Rel(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s is outside the store", path)
	}
	return filepath.ToSlash(rel), nil
}

// Latest returns the most recently created regular file under the identity's
// directory, including table aliases that name a single file there. Ties are
// broken by the lexicographically greatest path. Dot-prefixed entries are
// never candidates.
func (s *Store) Latest(ctx context.Context, identity string) (Artifact, error) {
	name, err := follow(s.redirects, identity)
	if err != nil {
		return Artifact{}, err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(name))

	var candidates []Artifact
	resolved, err := filepath.EvalSymlinks(dir)
	switch {
	case err == nil:
		if candidates, err = s.list(ctx, resolved); err != nil {
			return Artifact{}, err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Artifact{}, fmt.Errorf("resolve %s: %w", dir, err)
	}

	aliased, err := s.fileAliases(name)
	if err != nil {
		return Artifact{}, err
	}
	candidates = append(candidates, aliased...)
	if len(candidates) == 0 {
		return Artifact{}, fmt.Errorf("%w: no firmware files for %s", ErrNotFound, identity)
	}
	return newest(candidates), nil
}

// fileAliases returns the regular files that table aliases below dir point
// at, each named after its alias.
func (s *Store) fileAliases(dir string) ([]Artifact, error) {
	lister, ok := s.redirects.(interface{ Entries() map[string]string })
	if !ok {
		return nil, nil
	}
	prefix := key(dir) + "/"

	var out []Artifact
	for name := range lister.Entries() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		target, err := s.Locate(name)
		if err != nil {
			continue
		}
		art, err := s.Stat(target)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if resolved, err := filepath.EvalSymlinks(target); err == nil {
			art.Path = resolved
		}
		art.Name = name[strings.LastIndex(name, "/")+1:]
		out = append(out, art)
	}
	return out, nil
}

// Stat describes the file at path as an Artifact.
func (s *Store) Stat(path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	if !info.Mode().IsRegular() {
		return Artifact{}, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}
	return Artifact{
		Path:    path,
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Created: s.stamp(info),
	}, nil
}

// Put writes r as filename under the identity's directory. The file becomes
// visible only once fully written.
func (s *Store) Put(ctx context.Context, identity, filename string, r io.Reader) (Artifact, error) {
	name := SecureFilename(filename)
	if name == "" {
		return Artifact{}, fmt.Errorf("%w: unusable file name %q", ErrValidation, filename)
	}
	if !HasFirmwareExt(name) {
		return Artifact{}, fmt.Errorf("%w: %q is not a %s file", ErrValidation, filename, FirmwareExt)
	}

	dir, err := s.Locate(identity)
	if err != nil {
		return Artifact{}, err
	}

	unlock := s.locks.Lock(dir)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create %s: %w", dir, err)
	}

	dest := filepath.Join(dir, name)
	if _, err := writeAtomic(dest, r, nil); err != nil {
		return Artifact{}, err
	}
	return s.Stat(dest)
}

func (s *Store) list(ctx context.Context, dir string) ([]Artifact, error) {
	var out []Artifact
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		art, err := s.Stat(path)
		if err != nil {
			// dangling links and non-regular entries are not firmware
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		art.Name = d.Name()
		out = append(out, art)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return out, nil
}

func newest(candidates []Artifact) Artifact {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Created.After(best.Created) || (c.Created.Equal(best.Created) && c.Path > best.Path) {
			best = c
		}
	}
	return best
}

// follow validates name and resolves it through r until no alias matches.
func follow(r Redirector, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if r == nil {
		return name, nil
	}
	for hops := 0; hops < maxRedirects; hops++ {
		next, ok := r.Target(name)
		if !ok {
			return name, nil
		}
		name = next
	}
	return "", fmt.Errorf("%w: alias chain for %q is too long", ErrValidation, name)
}

// writeAtomic copies r into a hidden temp file next to dest and renames it
// into place. verify, when set, sees the byte count before the rename; an
// error from it discards the temp file.
func writeAtomic(dest string, r io.Reader, verify func(written int64) error) (int64, error) {
	tmp := filepath.Join(filepath.Dir(dest), "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && verify != nil {
		err = verify(n)
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("write %s: %w", dest, err)
	}
	return n, nil
}

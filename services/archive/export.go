package archive

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"espota/services/firmware"
)

// Export writes every firmware file and alias under Root into a signed
// tar.zst archive at Output.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.Root == "" {
		return nil, errors.New("store root is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	root, err := resolveRoot(cfg.Root)
	if err != nil {
		return nil, err
	}
	output, err := filepath.Abs(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("resolve output: %w", err)
	}

	artifacts, links, err := collect(ctx, root, output, cfg.Stdout)
	if err != nil {
		return nil, err
	}
	table, err := firmware.LoadTableAliases(root, nil)
	if err != nil {
		return nil, err
	}
	for name, target := range table.Entries() {
		links = append(links, Link{Name: name, Target: target, Kind: LinkTable})
	}
	if len(artifacts) == 0 {
		return nil, errors.New("no firmware found to export")
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	sort.Slice(links, func(i, j int) bool { return links[i].Name < links[j].Name })

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKey(),
		Artifacts:        artifacts,
		Links:            links,
	}
	if err := sign(manifest, cfg.Signer); err != nil {
		return nil, err
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(output, manifestBytes, root, manifest); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote %s (%d artifacts, %d links)\n", cfg.Output, len(artifacts), len(links))
	return manifest, nil
}

func sign(m *Manifest, signer *Signer) error {
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	m.Signature = sig
	return nil
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve store root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve store root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat store root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("store root %q is not a directory", root)
	}
	return resolved, nil
}

// collect walks root for firmware files and symlink aliases. Dot-prefixed
// entries are temp files or bookkeeping and are left out.
func collect(ctx context.Context, root, output string, stdout io.Writer) ([]Artifact, []Link, error) {
	var (
		artifacts []Artifact
		links     []Link
	)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == output || d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := linkTarget(root, p)
			if err != nil {
				fmt.Fprintf(stdout, "skipping link %s: %v\n", rel, err)
				return nil
			}
			links = append(links, Link{Name: rel, Target: target, Kind: LinkSymlink})
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		size, md5sum, shasum, err := hashFile(p)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{Path: rel, Size: size, MD5: md5sum, SHA256: shasum})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return artifacts, links, nil
}

// linkTarget returns the root-relative target of the symlink at p.
func linkTarget(root, p string) (string, error) {
	target, err := os.Readlink(p)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(p), target)
	}
	rel, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("target %s is outside the store", target)
	}
	return filepath.ToSlash(rel), nil
}

func hashFile(p string) (size int64, md5sum, shasum string, err error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", "", fmt.Errorf("open %q: %w", p, err)
	}
	defer f.Close()

	m := md5.New()
	s := sha256.New()
	size, err = io.Copy(io.MultiWriter(m, s), f)
	if err != nil {
		return 0, "", "", fmt.Errorf("hash %q: %w", p, err)
	}
	return size, hex.EncodeToString(m.Sum(nil)), hex.EncodeToString(s.Sum(nil)), nil
}

func writeArchive(output string, manifestBytes []byte, root string, m *Manifest) error {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeEntries(tw, manifestBytes, root, m); err != nil {
		_ = tw.Close()
		_ = encoder.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		_ = encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return file.Close()
}

func writeEntries(tw *tar.Writer, manifestBytes []byte, root string, m *Manifest) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifestBytes)),
		ModTime:  m.CreatedAt,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, art := range m.Artifacts {
		if err := writeFileEntry(tw, root, art); err != nil {
			return err
		}
	}

	for _, link := range m.Links {
		if link.Kind != LinkSymlink {
			continue
		}
		linkname, err := relativeTarget(link.Name, link.Target)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     path.Join(firmwarePrefix, link.Name),
			Linkname: linkname,
			Mode:     0o777,
			ModTime:  m.CreatedAt,
			Typeflag: tar.TypeSymlink,
		}); err != nil {
			return fmt.Errorf("write link %q: %w", link.Name, err)
		}
	}
	return nil
}

func writeFileEntry(tw *tar.Writer, root string, art Artifact) error {
	full := filepath.Join(root, filepath.FromSlash(art.Path))
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %q: %w", art.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", art.Path, err)
	}
	if info.Size() != art.Size {
		return fmt.Errorf("%q changed while exporting", art.Path)
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Join(firmwarePrefix, art.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     art.Size,
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", art.Path, err)
	}
	if _, err := io.CopyN(tw, f, art.Size); err != nil {
		return fmt.Errorf("copy %q: %w", art.Path, err)
	}
	return nil
}

// relativeTarget expresses target as a path relative to name's directory.
func relativeTarget(name, target string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(filepath.FromSlash(name)), filepath.FromSlash(target))
	if err != nil {
		return "", fmt.Errorf("link %q -> %q: %w", name, target, err)
	}
	return filepath.ToSlash(rel), nil
}

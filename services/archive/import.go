package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"espota/services/firmware"
)

// Import verifies an archive and installs its firmware and links under Root.
// Nothing is written to Root unless the signature and every checksum match.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.ArchivePath == "" {
		return nil, errors.New("archive file is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("store root is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	tempDir, err := os.MkdirTemp("", "espota-archive-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifestBytes, files, err := extract(ctx, cfg.ArchivePath, tempDir)
	if err != nil {
		return nil, err
	}
	manifest, err := verifyManifest(manifestBytes, cfg.Signer)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))

	for _, art := range manifest.Artifacts {
		if err := firmware.ValidateName(art.Path); err != nil {
			return nil, fmt.Errorf("artifact %q: %w", art.Path, err)
		}
		tempPath, ok := files[art.Path]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if err := verifyArtifact(tempPath, art); err != nil {
			return nil, err
		}
	}
	for _, link := range manifest.Links {
		if err := firmware.ValidateName(link.Name); err != nil {
			return nil, fmt.Errorf("link %q: %w", link.Name, err)
		}
		if err := firmware.ValidateName(link.Target); err != nil {
			return nil, fmt.Errorf("link %q target %q: %w", link.Name, link.Target, err)
		}
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	for _, art := range manifest.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dest := filepath.Join(cfg.Root, filepath.FromSlash(art.Path))
		if err := installFile(files[art.Path], dest); err != nil {
			return nil, err
		}
		fmt.Fprintf(cfg.Stdout, "installed %s (%d bytes, md5 %s)\n", art.Path, art.Size, art.MD5)
	}

	for _, link := range manifest.Links {
		if cfg.Aliases == nil {
			fmt.Fprintf(cfg.Stdout, "skipped link %s -> %s\n", link.Name, link.Target)
			continue
		}
		outcome, err := cfg.Aliases.Create(link.Name, link.Target)
		switch {
		case errors.Is(err, firmware.ErrAlreadyExists):
			fmt.Fprintf(cfg.Stdout, "link %s already exists, left as is\n", link.Name)
		case err != nil:
			return nil, fmt.Errorf("link %s -> %s: %w", link.Name, link.Target, err)
		case outcome == firmware.AliasSkipped:
			fmt.Fprintf(cfg.Stdout, "link %s skipped: insufficient privileges\n", link.Name)
		default:
			fmt.Fprintf(cfg.Stdout, "linked %s -> %s\n", link.Name, link.Target)
		}
	}

	return manifest, nil
}

// extract unpacks regular firmware entries into dir and returns the manifest
// bytes plus a map from store-relative path to extracted file.
func extract(ctx context.Context, archivePath, dir string) ([]byte, map[string]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		files         = map[string]string{}
	)
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			manifestBytes, err = io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}

		rel, ok := strings.CutPrefix(name, firmwarePrefix+"/")
		if !ok {
			continue
		}
		if err := firmware.ValidateName(rel); err != nil {
			return nil, nil, fmt.Errorf("archive entry %q: %w", header.Name, err)
		}

		target := filepath.Join(dir, uuid.NewString())
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("create temp file for %q: %w", rel, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, nil, fmt.Errorf("extract %q: %w", rel, err)
		}
		if err := out.Close(); err != nil {
			return nil, nil, fmt.Errorf("extract %q: %w", rel, err)
		}
		files[rel] = target
	}

	if len(manifestBytes) == 0 {
		return nil, nil, fmt.Errorf("archive missing %s", manifestFileName)
	}
	return manifestBytes, files, nil
}

func verifyManifest(data []byte, signer *Signer) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	return &manifest, nil
}

func verifyArtifact(p string, art Artifact) error {
	size, md5sum, shasum, err := hashFile(p)
	if err != nil {
		return err
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(md5sum, art.MD5) {
		return fmt.Errorf("md5 mismatch for %q", art.Path)
	}
	if !strings.EqualFold(shasum, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}

// installFile copies src next to dest under a hidden name and renames it into
// place, so the firmware server never lists a partial file.
func installFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	if same, err := sameContent(src, dest); err == nil && same {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dest), "."+uuid.NewString()+".tmp")
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install %s: %w", dest, err)
	}
	return nil
}

func sameContent(a, b string) (bool, error) {
	left, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	right, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(left, right), nil
}

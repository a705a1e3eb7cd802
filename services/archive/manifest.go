package archive

import (
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestVersion  = "1"
	manifestFileName = "manifest.yaml"
	firmwarePrefix   = "firmware"
)

// Link kinds.
const (
	LinkSymlink = "symlink"
	LinkTable   = "table"
)

// Manifest is the signed table of contents of a store archive.
type Manifest struct {
	Version          string     `yaml:"version"`
	CreatedAt        time.Time  `yaml:"created_at"`
	Signer           string     `yaml:"signer,omitempty"`
	SigningPublicKey string     `yaml:"signing_public_key,omitempty"`
	Signature        string     `yaml:"signature,omitempty"`
	Artifacts        []Artifact `yaml:"artifacts"`
	Links            []Link     `yaml:"links,omitempty"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Artifact is one firmware file, addressed relative to the store root.
type Artifact struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	MD5    string `yaml:"md5"`
	SHA256 string `yaml:"sha256"`
}

// Link is an alias from Name to Target, both relative to the store root.
type Link struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
	Kind   string `yaml:"kind"`
}

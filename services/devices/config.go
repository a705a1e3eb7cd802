package devices

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"espota/services/firmware"
)

// Device is one entry of the device mapping.
type Device struct {
	Repo     string `yaml:"repo" json:"repo"`
	Version  string `yaml:"version" json:"version"`
	FileName string `yaml:"file-name,omitempty" json:"file_name,omitempty"`
}

// Spec converts the entry into a release source.
func (d Device) Spec() firmware.ReleaseSpec {
	return firmware.ReleaseSpec{Repo: d.Repo, Version: d.Version, FileName: d.FileName}
}

// Load reads the device mapping at path. path may be a single YAML file or a
// directory whose *.yaml and *.yml files are merged in name order, later files
// overriding earlier keys. A missing path yields an empty mapping.
func Load(path string) (map[string]Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Device{}, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return Parse(data)
	}

	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}
	merged := map[string]Device{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		devices, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
		for k, v := range devices {
			merged[k] = v
		}
	}
	return merged, nil
}

// Parse decodes a device mapping document. Keys are MAC addresses with or
// without colons and are stored without them. Null entries are dropped.
func Parse(data []byte) (map[string]Device, error) {
	var raw map[string]*Device
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse device config: %w", err)
	}

	out := make(map[string]Device, len(raw))
	origin := make(map[string]string, len(raw))
	for key, dev := range raw {
		if dev == nil {
			continue
		}
		id := firmware.NormalizeMAC(key)
		if id == "" {
			return nil, fmt.Errorf("parse device config: empty device key")
		}
		if prev, ok := origin[id]; ok {
			return nil, fmt.Errorf("parse device config: %q and %q name the same device", prev, key)
		}
		origin[id] = key
		out[id] = Device{
			Repo:     strings.TrimSpace(dev.Repo),
			Version:  strings.TrimSpace(dev.Version),
			FileName: strings.TrimSpace(dev.FileName),
		}
	}
	return out, nil
}

func configFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isConfigFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isConfigFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

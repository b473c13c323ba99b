package plugin

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog maps plugin ids to the factories compiled into the binary.
type Catalog map[string]Factory

// IDs returns the catalog ids in sorted order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ManifestEntry enables (or explicitly disables) one plugin.
type ManifestEntry struct {
	ID       string `yaml:"id"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Manifest selects which compiled-in plugins a process exposes.
//
//	plugins:
//	  - id: hello-world
//	  - id: http-request
//	    disabled: true
type Manifest struct {
	Plugins []ManifestEntry `yaml:"plugins"`
}

// Validate rejects empty and duplicate ids.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Plugins))
	for i, entry := range m.Plugins {
		if entry.ID == "" {
			return fmt.Errorf("plugin: manifest entry %d has no id", i)
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("plugin: duplicate manifest id %s", entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	return nil
}

// EnabledIDs returns the ids that are not disabled, in manifest order.
func (m Manifest) EnabledIDs() []string {
	ids := make([]string, 0, len(m.Plugins))
	for _, entry := range m.Plugins {
		if !entry.Disabled {
			ids = append(ids, entry.ID)
		}
	}
	return ids
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("plugin: manifest is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("plugin: decode manifest: %w", err)
	}
	for i := range m.Plugins {
		m.Plugins[i].ID = strings.TrimSpace(m.Plugins[i].ID)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("plugin: read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("plugin: %s: %w", path, err)
	}
	return m, nil
}

// NewRegistryFromManifest registers the enabled manifest entries found in catalog.
// Ids missing from the catalog, or whose factory fails, are logged and skipped.
func NewRegistryFromManifest(catalog Catalog, m Manifest, opts ...Option) *Registry {
	reg := NewRegistry(opts...)
	for _, id := range m.EnabledIDs() {
		factory, ok := catalog[id]
		if !ok {
			reg.logger.Warn("manifest names unknown plugin", zap.String("plugin", id))
			continue
		}
		if err := reg.Register(factory); err != nil {
			reg.logger.Error("skipping plugin", zap.String("plugin", id), zap.Error(err))
			continue
		}
		if _, ok := reg.Get(id); !ok {
			reg.logger.Warn("plugin registered under a different id than its manifest entry", zap.String("plugin", id))
		}
	}
	return reg
}

// NewRegistryFromCatalog registers every catalog entry.
func NewRegistryFromCatalog(catalog Catalog, opts ...Option) *Registry {
	reg := NewRegistry(opts...)
	for _, id := range catalog.IDs() {
		if err := reg.Register(catalog[id]); err != nil {
			reg.logger.Error("skipping plugin", zap.String("plugin", id), zap.Error(err))
		}
	}
	return reg
}

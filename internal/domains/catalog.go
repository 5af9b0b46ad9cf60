// Package domains loads the domain registry and manages per-domain stores
// and the last-accessed pointer state.
package domains

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/dpm/pkg/types"
)

// Catalog is the set of domains read from a registry file. Entry paths are
// absolute after loading.
type Catalog struct {
	Source   string
	Domains  map[string]types.DomainEntry
	Rejected map[string]error
}

// NewCatalog builds a catalog from entries already in memory. Relative paths
// resolve against baseDir.
func NewCatalog(baseDir string, entries map[string]types.DomainEntry) *Catalog {
	c := &Catalog{
		Domains:  make(map[string]types.DomainEntry, len(entries)),
		Rejected: make(map[string]error),
	}
	for name, e := range entries {
		c.add(baseDir, name, e)
	}
	return c
}

func (c *Catalog) add(baseDir, name string, e types.DomainEntry) {
	if strings.TrimSpace(name) == "" {
		c.Rejected[name] = fmt.Errorf("%w: domain name must not be empty", types.ErrConfiguration)
		return
	}
	if err := e.Validate(); err != nil {
		c.Rejected[name] = err
		return
	}
	if !filepath.IsAbs(e.Path) {
		e.Path = filepath.Join(baseDir, filepath.FromSlash(e.Path))
	}
	e.Path = filepath.Clean(e.Path)
	e.Mode = e.EffectiveMode()
	c.Domains[name] = e
}

// Names returns the loaded domain names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Domains))
	for name := range c.Domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry returns the entry for name.
func (c *Catalog) Entry(name string) (types.DomainEntry, bool) {
	e, ok := c.Domains[name]
	return e, ok
}

// FromConfigFile loads a registry, choosing the decoder by extension.
// .yaml and .yml use YAML, everything else JSON.
func FromConfigFile(path string) (*Catalog, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAMLConfig(path)
	default:
		return FromJSONConfig(path)
	}
}

// FromJSONConfig loads a JSON registry of the form
// {"databases": {"<name>": {"path": ..., "description": ..., "domain_mode": ...}}}.
func FromJSONConfig(path string) (*Catalog, error) {
	data, baseDir, err := readRegistry(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Databases map[string]json.RawMessage `json:"databases"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", types.ErrConfiguration, path, err)
	}
	if doc.Databases == nil {
		return nil, fmt.Errorf("%w: %s: missing \"databases\" object", types.ErrConfiguration, path)
	}

	c := NewCatalog(baseDir, nil)
	c.Source = path
	for name, raw := range doc.Databases {
		var e types.DomainEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			c.Rejected[name] = fmt.Errorf("%w: domain %q: %v", types.ErrConfiguration, name, err)
			continue
		}
		c.add(baseDir, name, e)
	}
	return c, nil
}

// FromYAMLConfig loads a YAML registry with the same shape as the JSON form.
func FromYAMLConfig(path string) (*Catalog, error) {
	data, baseDir, err := readRegistry(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Databases map[string]yaml.Node `yaml:"databases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", types.ErrConfiguration, path, err)
	}
	if doc.Databases == nil {
		return nil, fmt.Errorf("%w: %s: missing \"databases\" mapping", types.ErrConfiguration, path)
	}

	c := NewCatalog(baseDir, nil)
	c.Source = path
	for name, node := range doc.Databases {
		var e types.DomainEntry
		if err := node.Decode(&e); err != nil {
			c.Rejected[name] = fmt.Errorf("%w: domain %q: %v", types.ErrConfiguration, name, err)
			continue
		}
		c.add(baseDir, name, e)
	}
	return c, nil
}

func readRegistry(path string) ([]byte, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read registry: %v", types.ErrConfiguration, err)
	}
	return data, filepath.Dir(abs), nil
}

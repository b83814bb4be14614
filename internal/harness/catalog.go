package harness

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// CatalogEntry is the static metadata shipped for a provider.
type CatalogEntry struct {
	Name            string   `yaml:"name"`
	DisplayName     string   `yaml:"display_name"`
	Version         string   `yaml:"version"`
	Description     string   `yaml:"description"`
	SupportedModels []string `yaml:"supported_models"`
}

type catalogFile struct {
	Providers []CatalogEntry `yaml:"providers"`
}

var (
	catalogOnce    sync.Once
	catalogEntries map[string]CatalogEntry
	catalogErr     error
)

// LookupCatalog returns the catalog entry for name.
func LookupCatalog(name string) (CatalogEntry, bool) {
	entries, err := loadCatalog()
	if err != nil {
		return CatalogEntry{}, false
	}
	entry, ok := entries[strings.ToLower(strings.TrimSpace(name))]
	return entry, ok
}

// CatalogNames lists the providers described by the catalog, sorted.
func CatalogNames() []string {
	entries, err := loadCatalog()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadCatalog() (map[string]CatalogEntry, error) {
	catalogOnce.Do(func() {
		catalogEntries, catalogErr = parseCatalog(catalogYAML)
	})
	return catalogEntries, catalogErr
}

func parseCatalog(data []byte) (map[string]CatalogEntry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}

	entries := make(map[string]CatalogEntry, len(file.Providers))
	for _, entry := range file.Providers {
		name := strings.ToLower(strings.TrimSpace(entry.Name))
		if name == "" {
			return nil, fmt.Errorf("provider catalog: entry without name")
		}
		if _, dup := entries[name]; dup {
			return nil, fmt.Errorf("provider catalog: duplicate entry %q", name)
		}
		version, err := semver.NewVersion(strings.TrimSpace(entry.Version))
		if err != nil {
			return nil, fmt.Errorf("provider catalog: %s version %q: %w", name, entry.Version, err)
		}
		entry.Name = name
		entry.Version = version.String()
		entries[name] = entry
	}
	return entries, nil
}

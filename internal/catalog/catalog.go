// Package catalog holds the known gear, brands, abilities and rarity range
// that shop listings and filters are validated against.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/juju/collections/set"

	"gearwatch/internal/model"
)

//go:embed catalog.toml
var defaultCatalog []byte

// Entry is one known piece of gear.
type Entry struct {
	Name  string
	Brand string
	Type  model.GearType
	Image string
}

// Catalog is the set of known values. It is read-only after loading.
type Catalog struct {
	RarityMax int
	Types     set.Strings
	Brands    set.Strings
	Abilities set.Strings

	gear map[string]Entry
}

type document struct {
	RarityMax int      `toml:"rarity_max"`
	Types     []string `toml:"types"`
	Brands    []string `toml:"brands"`
	Abilities []string `toml:"abilities"`
	Gear      []struct {
		Name  string `toml:"name"`
		Brand string `toml:"brand"`
		Type  string `toml:"type"`
		Image string `toml:"image"`
	} `toml:"gear"`
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Read(bytes.NewReader(defaultCatalog))
}

// Load reads a catalog from a TOML file on disk.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()

	c, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return c, nil
}

// Read decodes and checks a TOML catalog document.
func Read(r io.Reader) (*Catalog, error) {
	var doc document
	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if doc.RarityMax < 0 {
		return nil, fmt.Errorf("rarity_max must not be negative")
	}

	c := &Catalog{
		RarityMax: doc.RarityMax,
		Types:     set.NewStrings(doc.Types...),
		Brands:    set.NewStrings(doc.Brands...),
		Abilities: set.NewStrings(doc.Abilities...),
		gear:      make(map[string]Entry, len(doc.Gear)),
	}
	for _, g := range doc.Gear {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, fmt.Errorf("gear entry with empty name")
		}
		if !c.Brands.Contains(g.Brand) {
			return nil, fmt.Errorf("gear %q: unknown brand %q", name, g.Brand)
		}
		if !c.Types.Contains(g.Type) {
			return nil, fmt.Errorf("gear %q: unknown type %q", name, g.Type)
		}
		if _, dup := c.gear[name]; dup {
			return nil, fmt.Errorf("gear %q listed twice", name)
		}
		c.gear[name] = Entry{Name: name, Brand: g.Brand, Type: model.GearType(g.Type), Image: g.Image}
	}
	return c, nil
}

// Lookup returns the catalog entry for a gear name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.gear[name]
	return e, ok
}

// Len returns the number of known gear entries.
func (c *Catalog) Len() int {
	return len(c.gear)
}

// ValidRarity reports whether r lies in 0..RarityMax.
func (c *Catalog) ValidRarity(r int) bool {
	return r >= 0 && r <= c.RarityMax
}

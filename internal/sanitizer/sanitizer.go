// Package sanitizer turns raw shop listings into catalog-checked gear.
package sanitizer

import (
	"fmt"
	"strings"

	"gearwatch/internal/catalog"
	"gearwatch/internal/model"
)

// Rejection records a listing that could not be sanitized.
type Rejection struct {
	Raw    model.RawGear
	Reason string
}

// Sanitizer validates listings against a catalog.
type Sanitizer struct {
	catalog   *catalog.Catalog
	imageBase string
}

// New creates a Sanitizer. imageBase is the prefix of internally hosted
// gear images.
func New(cat *catalog.Catalog, imageBase string) *Sanitizer {
	return &Sanitizer{
		catalog:   cat,
		imageBase: strings.TrimRight(imageBase, "/"),
	}
}

// Sanitize returns the listings that match the catalog, in input order, and
// the ones that were rejected.
func (s *Sanitizer) Sanitize(raws []model.RawGear) ([]model.Gear, []Rejection) {
	var (
		gear     []model.Gear
		rejected []Rejection
	)
	for _, raw := range raws {
		g, err := s.One(raw)
		if err != nil {
			rejected = append(rejected, Rejection{Raw: raw, Reason: err.Error()})
			continue
		}
		gear = append(gear, g)
	}
	return gear, rejected
}

// One sanitizes a single listing.
func (s *Sanitizer) One(raw model.RawGear) (model.Gear, error) {
	name := strings.TrimSpace(raw.Name)
	entry, ok := s.catalog.Lookup(name)
	if !ok {
		return model.Gear{}, fmt.Errorf("unknown gear %q", name)
	}
	if entry.Brand != raw.Brand {
		return model.Gear{}, fmt.Errorf("gear %q: brand %q does not match catalog brand %q", name, raw.Brand, entry.Brand)
	}
	if string(entry.Type) != raw.Type {
		return model.Gear{}, fmt.Errorf("gear %q: type %q does not match catalog type %q", name, raw.Type, entry.Type)
	}
	if !s.catalog.Abilities.Contains(raw.Ability) {
		return model.Gear{}, fmt.Errorf("gear %q: unknown ability %q", name, raw.Ability)
	}
	if !s.catalog.ValidRarity(raw.Rarity) {
		return model.Gear{}, fmt.Errorf("gear %q: rarity %d out of range", name, raw.Rarity)
	}
	if raw.Expiration.IsZero() {
		return model.Gear{}, fmt.Errorf("gear %q: missing or invalid expiration", name)
	}

	return model.Gear{
		ID:         raw.ID,
		Price:      raw.Price,
		Brand:      entry.Brand,
		Type:       entry.Type,
		Name:       name,
		Ability:    raw.Ability,
		Rarity:     raw.Rarity,
		Expiration: raw.Expiration,
		Image:      s.imageBase + "/" + entry.Image,
	}, nil
}

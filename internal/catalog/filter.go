package catalog

import (
	"fmt"
	"strings"

	"github.com/juju/collections/set"

	"gearwatch/internal/model"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

// Validation failure kinds.
const (
	UnknownGearName  ErrorKind = "unknown_gear_name"
	UnknownType      ErrorKind = "unknown_type"
	UnknownBrand     ErrorKind = "unknown_brand"
	UnknownAbility   ErrorKind = "unknown_ability"
	RarityOutOfRange ErrorKind = "rarity_out_of_range"
)

// ValidationError reports a value that is not part of the catalog.
type ValidationError struct {
	Kind  ErrorKind
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %q", e.Kind, e.Value)
}

// FilterSpec is the unvalidated input for a filter.
type FilterSpec struct {
	GearName  string
	MinRarity int
	Types     []string
	Brands    []string
	Abilities []string
}

// NewFilter validates spec against the catalog and builds a Filter. The
// returned error is always a *ValidationError.
func (c *Catalog) NewFilter(spec FilterSpec) (model.Filter, error) {
	name := strings.TrimSpace(spec.GearName)
	if name != "" {
		if _, ok := c.gear[name]; !ok {
			return model.Filter{}, &ValidationError{Kind: UnknownGearName, Value: name}
		}
	}
	if !c.ValidRarity(spec.MinRarity) {
		return model.Filter{}, &ValidationError{Kind: RarityOutOfRange, Value: fmt.Sprint(spec.MinRarity)}
	}

	types, err := members(c.Types, spec.Types, UnknownType)
	if err != nil {
		return model.Filter{}, err
	}
	brands, err := members(c.Brands, spec.Brands, UnknownBrand)
	if err != nil {
		return model.Filter{}, err
	}
	abilities, err := members(c.Abilities, spec.Abilities, UnknownAbility)
	if err != nil {
		return model.Filter{}, err
	}

	return model.Filter{
		GearName:  name,
		MinRarity: spec.MinRarity,
		Types:     types,
		Brands:    brands,
		Abilities: abilities,
	}, nil
}

func members(known set.Strings, values []string, kind ErrorKind) (set.Strings, error) {
	out := set.NewStrings()
	for _, v := range values {
		if !known.Contains(v) {
			return nil, &ValidationError{Kind: kind, Value: v}
		}
		out.Add(v)
	}
	return out, nil
}

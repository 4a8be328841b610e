package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/juju/collections/set"

	"gearwatch/internal/catalog"
	"gearwatch/internal/model"
)

// FormatFilter renders the criteria of a filter on one line.
func FormatFilter(f model.Filter) string {
	var parts []string
	if f.GearName != "" {
		parts = append(parts, fmt.Sprintf("name %q", f.GearName))
	}
	if f.MinRarity > 0 {
		parts = append(parts, fmt.Sprintf("rarity >= %d", f.MinRarity))
	}
	parts = appendSet(parts, "types", f.Types)
	parts = appendSet(parts, "brands", f.Brands)
	parts = appendSet(parts, "abilities", f.Abilities)
	if len(parts) == 0 {
		return "any gear"
	}
	return strings.Join(parts, "; ")
}

func appendSet(parts []string, label string, s set.Strings) []string {
	if s.IsEmpty() {
		return parts
	}
	return append(parts, label+": "+strings.Join(s.SortedValues(), ", "))
}

// FormatFilterList formats the filters a user is subscribed to.
func FormatFilterList(filters []model.Filter) string {
	if len(filters) == 0 {
		return "You have no filters yet. Use /filter to add one."
	}
	var b strings.Builder
	b.WriteString("Your filters:\n")
	for _, f := range filters {
		fmt.Fprintf(&b, "\nF%d: %s", f.ID, FormatFilter(f))
	}
	return b.String()
}

// FormatCatalog lists the values filters may use.
func FormatCatalog(c *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Types: %s\n", strings.Join(c.Types.SortedValues(), ", "))
	fmt.Fprintf(&b, "\nBrands: %s\n", strings.Join(c.Brands.SortedValues(), ", "))
	fmt.Fprintf(&b, "\nAbilities: %s\n", strings.Join(c.Abilities.SortedValues(), ", "))
	fmt.Fprintf(&b, "\nRarity: 0 to %d", c.RarityMax)
	return b.String()
}

// FormatValidationError explains why a filter was rejected.
func FormatValidationError(err error) string {
	var verr *catalog.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Sprintf("Invalid filter: %v", err)
	}
	switch verr.Kind {
	case catalog.UnknownGearName:
		return fmt.Sprintf("Unknown gear %q.", verr.Value)
	case catalog.UnknownType:
		return fmt.Sprintf("Unknown type %q. See /catalog.", verr.Value)
	case catalog.UnknownBrand:
		return fmt.Sprintf("Unknown brand %q. See /catalog.", verr.Value)
	case catalog.UnknownAbility:
		return fmt.Sprintf("Unknown ability %q. See /catalog.", verr.Value)
	case catalog.RarityOutOfRange:
		return fmt.Sprintf("Rarity %s is out of range. See /catalog.", verr.Value)
	default:
		return fmt.Sprintf("Invalid filter: %v", verr)
	}
}

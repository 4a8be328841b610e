package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gearwatch/internal/catalog"
)

const filterUsage = "usage: /filter key=value[,value]; key=value ...\nkeys: name, rarity, type, brand, ability"

// ParseFilterArgs parses the arguments of /filter into an unvalidated
// filter. Clauses are separated by ";" and list values by ",".
//
//	/filter brand=Forge,Zink; type=HeadGear; rarity=1
func ParseFilterArgs(args string) (catalog.FilterSpec, error) {
	var spec catalog.FilterSpec
	clauses := 0

	for _, clause := range strings.Split(args, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		key, value, ok := strings.Cut(clause, "=")
		if !ok {
			return catalog.FilterSpec{}, fmt.Errorf("invalid clause %q, want key=value", clause)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			return catalog.FilterSpec{}, fmt.Errorf("empty value for %q", key)
		}

		switch key {
		case "name":
			spec.GearName = value
		case "rarity":
			r, err := strconv.Atoi(value)
			if err != nil {
				return catalog.FilterSpec{}, fmt.Errorf("invalid rarity %q", value)
			}
			spec.MinRarity = r
		case "type", "types":
			spec.Types = append(spec.Types, splitList(value)...)
		case "brand", "brands":
			spec.Brands = append(spec.Brands, splitList(value)...)
		case "ability", "abilities":
			spec.Abilities = append(spec.Abilities, splitList(value)...)
		default:
			return catalog.FilterSpec{}, fmt.Errorf("unknown key %q", key)
		}
		clauses++
	}

	if clauses == 0 {
		return catalog.FilterSpec{}, errors.New(filterUsage)
	}
	return spec, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ParseIDArg extracts a filter ID from a command argument string. The "F"
// prefix shown in filter listings is accepted.
func ParseIDArg(args string) (int64, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, fmt.Errorf("filter ID is required")
	}
	s := strings.TrimPrefix(strings.ToUpper(fields[0]), "F")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid filter ID %q", fields[0])
	}
	return id, nil
}

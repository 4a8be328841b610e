package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"gearwatch/internal/model"
)

// PayloadMode selects how a batch is turned into push payloads.
type PayloadMode string

// Supported payload modes.
const (
	// ModeCombined sends one payload listing every item.
	ModeCombined PayloadMode = "combined"
	// ModePerItem sends one payload for each item.
	ModePerItem PayloadMode = "per_item"
)

// ParsePayloadMode validates s as a PayloadMode. Empty selects ModeCombined.
func ParsePayloadMode(s string) (PayloadMode, error) {
	switch PayloadMode(s) {
	case "", ModeCombined:
		return ModeCombined, nil
	case ModePerItem:
		return ModePerItem, nil
	default:
		return "", fmt.Errorf("unknown payload mode %q", s)
	}
}

// BuildPayloads renders items, which must be sorted by expiration, into
// payloads for mode. TTLs count the seconds from now until the relevant item
// leaves the shop.
func BuildPayloads(mode PayloadMode, items []model.Gear, now time.Time) []model.Payload {
	if len(items) == 0 {
		return nil
	}
	if mode == ModePerItem {
		out := make([]model.Payload, 0, len(items))
		for _, g := range items {
			out = append(out, model.Payload{
				Title: "New gear: " + g.Name,
				Body:  itemLine(g),
				Image: g.Image,
				TTL:   ttl(g.Expiration, now),
				Tag:   fmt.Sprintf("gear-%d-%s", g.Expiration.Unix(), slug(g.Name)),
			})
		}
		return out
	}

	soonest := items[0]
	latest := items[len(items)-1]

	title := fmt.Sprintf("%d new gear items in the shop", len(items))
	if len(items) == 1 {
		title = "New gear: " + soonest.Name
	}
	lines := make([]string, 0, len(items))
	for _, g := range items {
		lines = append(lines, itemLine(g))
	}
	return []model.Payload{{
		Title: title,
		Body:  strings.Join(lines, "\n"),
		Image: soonest.Image,
		TTL:   ttl(soonest.Expiration, now),
		Tag:   fmt.Sprintf("gear-%d", latest.Expiration.Unix()),
	}}
}

func itemLine(g model.Gear) string {
	return fmt.Sprintf("%s (%s)", g.Name, g.Ability)
}

func ttl(exp, now time.Time) int {
	d := exp.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Package snapshot compares shop snapshots and persists the last one seen.
package snapshot

import (
	"slices"
	"strings"
	"time"

	"gearwatch/internal/model"
)

// SortByExpiration orders gear by ascending expiration. Ties are broken by
// name and then id so the order does not depend on upstream ordering.
func SortByExpiration(gear []model.RawGear) {
	slices.SortStableFunc(gear, func(a, b model.RawGear) int {
		if c := a.Expiration.Compare(b.Expiration); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// NewItems returns the listings of current that were not part of previous.
//
// Rotations only ever add listings expiring strictly later than everything
// already on sale, so anything expiring after the latest previous listing is
// new. An empty previous snapshot makes every current listing new. Inputs
// are not modified; the result is sorted by expiration.
func NewItems(previous, current []model.RawGear) []model.RawGear {
	cur := slices.Clone(current)
	SortByExpiration(cur)
	if len(previous) == 0 {
		return cur
	}

	latest := previous[0].Expiration
	for _, g := range previous[1:] {
		if g.Expiration.After(latest) {
			latest = g.Expiration
		}
	}

	idx, _ := slices.BinarySearchFunc(cur, latest, func(g model.RawGear, t time.Time) int {
		if g.Expiration.After(t) {
			return 1
		}
		return -1
	})
	return cur[idx:]
}

// TooEarly reports whether the earliest listing of previous is still on
// sale at now, meaning the shop cannot have rotated yet.
func TooEarly(previous []model.RawGear, now time.Time) bool {
	if len(previous) == 0 {
		return false
	}
	earliest := previous[0].Expiration
	for _, g := range previous[1:] {
		if g.Expiration.Before(earliest) {
			earliest = g.Expiration
		}
	}
	return now.Before(earliest)
}

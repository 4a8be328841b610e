// Package notify groups matched gear per user and delivers notifications.
package notify

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"gearwatch/internal/filter"
	"gearwatch/internal/model"
)

// Batch is the new gear one user is to be told about.
type Batch struct {
	Recipient model.Recipient
	Items     []model.Gear
	// Candidate is the latest expiration among Items, truncated to the
	// second like the stored watermark, and becomes the user's watermark once
	// the batch has been dispatched.
	Candidate time.Time
}

// Aggregate inverts gear to recipients into one Batch per user. Items are
// ordered by expiration then name, and batches by user ID.
func Aggregate(matches []filter.GearMatch) []Batch {
	byUser := make(map[int64]*Batch)
	seen := make(map[int64]map[string]bool)

	for _, m := range matches {
		for _, r := range m.Recipients {
			b, ok := byUser[r.UserID]
			if !ok {
				b = &Batch{Recipient: r}
				byUser[r.UserID] = b
				seen[r.UserID] = make(map[string]bool)
			}
			key := m.Gear.Key()
			if seen[r.UserID][key] {
				continue
			}
			seen[r.UserID][key] = true
			b.Items = append(b.Items, m.Gear)
			if m.Gear.Expiration.After(b.Candidate) {
				b.Candidate = m.Gear.Expiration
			}
		}
	}

	out := make([]Batch, 0, len(byUser))
	for _, b := range byUser {
		b.Candidate = b.Candidate.Truncate(time.Second)
		sortItems(b.Items)
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b Batch) int {
		return cmp.Compare(a.Recipient.UserID, b.Recipient.UserID)
	})
	return out
}

func sortItems(items []model.Gear) {
	slices.SortStableFunc(items, func(a, b model.Gear) int {
		if c := a.Expiration.Compare(b.Expiration); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}

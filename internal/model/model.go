// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/collections/set"
)

// GearType is the slot a piece of gear is worn in.
type GearType string

// Supported gear types.
const (
	TypeHead     GearType = "HeadGear"
	TypeClothing GearType = "ClothingGear"
	TypeShoes    GearType = "ShoesGear"
)

// RawGear is a shop listing as decoded from the upstream API, before it has
// been checked against the catalog.
type RawGear struct {
	ID         string
	Price      int
	Brand      string
	Type       string
	Name       string
	Ability    string
	Rarity     int
	Expiration time.Time
	Image      string
}

// Gear is a sanitized shop listing. Brand, type and ability are known
// catalog values and Image points at internally hosted artwork.
type Gear struct {
	ID         string
	Price      int
	Brand      string
	Type       GearType
	Name       string
	Ability    string
	Rarity     int
	Expiration time.Time
	Image      string
}

// Key identifies a listing within one rotation. Shop ids are not stable for
// unseen items, so name and expiration are used instead.
func (g Gear) Key() string {
	return fmt.Sprintf("%d|%s", g.Expiration.Unix(), g.Name)
}

// Filter is a user-defined matching rule. Empty name or empty sets match
// anything.
type Filter struct {
	ID        int64
	GearName  string
	MinRarity int
	Types     set.Strings
	Brands    set.Strings
	Abilities set.Strings
}

// Key returns a canonical encoding of the filter's value, used to store
// identical filters once.
func (f Filter) Key() string {
	return strings.Join([]string{
		f.GearName,
		fmt.Sprint(f.MinRarity),
		strings.Join(f.Types.SortedValues(), ","),
		strings.Join(f.Brands.SortedValues(), ","),
		strings.Join(f.Abilities.SortedValues(), ","),
	}, "|")
}

// User is a notification recipient.
type User struct {
	ID           int64
	Code         string
	LastNotified time.Time
	CreatedAt    time.Time
}

// Recipient is a user resolved from a filter match, carrying the watermark
// value read at match time.
type Recipient struct {
	UserID       int64
	Code         string
	LastNotified time.Time
}

// SubscriptionKind selects the push transport for a subscription.
type SubscriptionKind string

// Supported subscription kinds.
const (
	KindWebPush  SubscriptionKind = "webpush"
	KindTelegram SubscriptionKind = "telegram"
)

// Subscription is one registered push endpoint of a user.
type Subscription struct {
	ID        int64
	UserID    int64
	Kind      SubscriptionKind
	Endpoint  string
	P256dh    string
	Auth      string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Payload is the JSON document delivered to a device.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
	TTL   int    `json:"ttl,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

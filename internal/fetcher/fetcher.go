// Package fetcher downloads the current shop inventory and decodes it into
// raw gear records.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gearwatch/internal/model"
)

// Version is reported in the User-Agent header.
const Version = "1.0"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher reads the shop snapshot from the upstream API.
type Fetcher struct {
	client    HTTPClient
	url       string
	userAgent string
}

// New creates a Fetcher for url. contact is the operator contact upstream
// asks bots to include in their User-Agent.
func New(client HTTPClient, url, contact string) *Fetcher {
	return &Fetcher{
		client:    client,
		url:       url,
		userAgent: UserAgent(contact),
	}
}

// UserAgent builds the bot-identifying User-Agent value.
func UserAgent(contact string) string {
	return fmt.Sprintf("gearwatch/%s (+%s)", Version, contact)
}

// Fetch performs a single GET against the upstream and returns the raw JSON
// body. It does not retry.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response is not valid json")
	}
	return body, nil
}

type snapshotDoc struct {
	Data struct {
		GesoTown *struct {
			PickupBrand struct {
				BrandGears []saleGear `json:"brandGears"`
			} `json:"pickupBrand"`
			LimitedGears []saleGear `json:"limitedGears"`
		} `json:"gesoTown"`
	} `json:"data"`
}

type saleGear struct {
	ID          string `json:"id"`
	SaleEndTime string `json:"saleEndTime"`
	Price       int    `json:"price"`
	Gear        struct {
		TypeName         string `json:"__typename"`
		Name             string `json:"name"`
		PrimaryGearPower struct {
			Name string `json:"name"`
		} `json:"primaryGearPower"`
		AdditionalGearPowers []struct {
			Name string `json:"name"`
		} `json:"additionalGearPowers"`
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
		Brand struct {
			Name string `json:"name"`
		} `json:"brand"`
	} `json:"gear"`
}

// Decode parses an upstream snapshot body. Limited gear comes first,
// followed by the pickup brand rotation.
func Decode(raw []byte) ([]model.RawGear, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Data.GesoTown == nil {
		return nil, fmt.Errorf("decode snapshot: missing data.gesoTown")
	}

	listings := make([]saleGear, 0, len(doc.Data.GesoTown.LimitedGears)+len(doc.Data.GesoTown.PickupBrand.BrandGears))
	listings = append(listings, doc.Data.GesoTown.LimitedGears...)
	listings = append(listings, doc.Data.GesoTown.PickupBrand.BrandGears...)

	out := make([]model.RawGear, 0, len(listings))
	for _, l := range listings {
		// An unparseable saleEndTime leaves Expiration zero so the sanitizer
		// rejects that listing alone.
		var exp time.Time
		if t, err := time.Parse(time.RFC3339, l.SaleEndTime); err == nil {
			exp = t.UTC()
		}
		out = append(out, model.RawGear{
			ID:         l.ID,
			Price:      l.Price,
			Brand:      l.Gear.Brand.Name,
			Type:       l.Gear.TypeName,
			Name:       l.Gear.Name,
			Ability:    l.Gear.PrimaryGearPower.Name,
			Rarity:     max(len(l.Gear.AdditionalGearPowers)-1, 0),
			Expiration: exp,
			Image:      l.Gear.Image.URL,
		})
	}
	return out, nil
}

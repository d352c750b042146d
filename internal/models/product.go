package models

import "time"

// Field length caps applied during sanitization.
const (
	MaxTitleLength       = 255
	MaxDescriptionLength = 2000
)

// ParsedProduct holds fields extracted from a product page. Everything except
// SourceURL is optional.
type ParsedProduct struct {
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	ImageURL     string   `json:"image_url,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	Category     string   `json:"category,omitempty"`
	SourceURL    string   `json:"source_url"`
}

// HasPrice reports whether a usable price was extracted.
func (p *ParsedProduct) HasPrice() bool {
	return p != nil && p.Price != nil && *p.Price > 0
}

// MonitoredItem is the part of a wishlist item the price monitor reads and writes.
type MonitoredItem struct {
	ID                      string     `json:"id"`
	OwnerID                 string     `json:"owner_id"`
	Name                    string     `json:"name"`
	ProductURL              string     `json:"product_url"`
	CurrentPrice            *float64   `json:"current_price,omitempty"`
	CurrentCurrency         string     `json:"current_currency"`
	ParsingEnabled          bool       `json:"parsing_enabled"`
	ConsecutiveFailureCount int        `json:"consecutive_failure_count"`
	LastCheckedAt           *time.Time `json:"last_checked_at,omitempty"`
}

// Item is a full wishlist item row.
type Item struct {
	MonitoredItem
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Category    string    `json:"category,omitempty"`
	IsPublic    bool      `json:"is_public"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PriceChangeEvent announces a price drop on a monitored item. It is not persisted.
type PriceChangeEvent struct {
	ItemID          string  `json:"item_id"`
	ItemOwnerID     string  `json:"item_owner_id"`
	ItemName        string  `json:"item_name"`
	OldPrice        float64 `json:"old_price"`
	NewPrice        float64 `json:"new_price"`
	Currency        string  `json:"currency"`
	DiscountPercent int     `json:"discount_percent"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}

package models

import "time"

// NotificationTypePriceDrop marks notifications created by the price monitor.
const NotificationTypePriceDrop = "price_drop"

// Notification is an in-app notification row. Delivery to push or email is
// handled elsewhere.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

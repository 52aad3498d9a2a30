package model

import "time"

// Dashboard is one entry in the ordered list pushed to every controller on a
// dashboard sync.
type Dashboard struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name"`
	URL         string `gorm:"not null" json:"url"`
	Description string `json:"description"`

	// RefreshInterval is in seconds; zero means the controller default.
	RefreshInterval int    `json:"refresh_interval"`
	RequiresAuth    bool   `json:"requires_auth"`
	Category        string `json:"category"`
	SortOrder       int    `gorm:"index" json:"sort_order"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

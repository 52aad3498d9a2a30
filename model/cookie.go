package model

import "time"

// Cookie is a single authentication cookie as delivered to controllers. The
// fleet subsystem treats the contents as opaque.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"http_only"`
}

// CookieDomain groups the cookies for one target domain.
type CookieDomain struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Domain      string    `gorm:"not null;uniqueIndex" json:"domain"`
	Description string    `json:"description"`
	Cookies     []*Cookie `gorm:"type:json;serializer:json" json:"cookies"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package model

import "time"

type ControllerStatus string

const (
	ControllerStatusOnline      ControllerStatus = "online"
	ControllerStatusOffline     ControllerStatus = "offline"
	ControllerStatusMaintenance ControllerStatus = "maintenance"
	ControllerStatusError       ControllerStatus = "error"
)

// IsValidControllerStatus checks whether the given status value is one of the
// known controller states.
func IsValidControllerStatus(s string) bool {
	switch ControllerStatus(s) {
	case ControllerStatusOnline, ControllerStatusOffline,
		ControllerStatusMaintenance, ControllerStatusError:
		return true
	default:
		return false
	}
}

// ControllerRecord is the durable source of truth for one display controller.
// Records are created on first successful registration and updated on every
// registration or status update; they are never deleted by the fleet
// subsystem itself.
type ControllerRecord struct {
	ID            string  `gorm:"primaryKey" json:"id"`
	SiteID        *string `gorm:"index" json:"site_id,omitempty"`
	Name          string  `json:"name"`
	LocalNetwork  string  `json:"local_network"`
	MDNSService   string  `gorm:"column:mdns_service" json:"mdns_service"`
	ControllerURL string  `json:"controller_url"`
	Version       string  `json:"version"`

	Status ControllerStatus `gorm:"not null;default:offline;index" json:"status"`

	// LastSync is the timestamp of the most recent accepted registration or
	// status update. The staleness sweep classifies online/offline from it.
	LastSync time.Time `json:"last_sync"`

	PendingDashboardSync   bool       `gorm:"not null;default:false" json:"pending_dashboard_sync"`
	PendingDashboardSyncAt *time.Time `json:"pending_dashboard_sync_at,omitempty"`
	PendingCookieSync      bool       `gorm:"not null;default:false" json:"pending_cookie_sync"`
	PendingCookieSyncAt    *time.Time `json:"pending_cookie_sync_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

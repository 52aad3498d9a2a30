package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fredppm/DisplayOps-sub003/model"
)

// SyncKind selects which pending flag a store operation targets.
type SyncKind string

const (
	SyncDashboards SyncKind = "dashboards"
	SyncCookies    SyncKind = "cookies"
)

// ErrControllerNotFound is returned when a controller ID has no record.
var ErrControllerNotFound = errors.New("controller not found")

func (k SyncKind) flagColumns() (flag, at string, err error) {
	switch k {
	case SyncDashboards:
		return "pending_dashboard_sync", "pending_dashboard_sync_at", nil
	case SyncCookies:
		return "pending_cookie_sync", "pending_cookie_sync_at", nil
	default:
		return "", "", fmt.Errorf("unknown sync kind %q", k)
	}
}

// ControllerStore persists controller records. All writes are targeted
// updates so concurrent registrations, heartbeats, sweeps and broadcasts
// never clobber each other's columns.
type ControllerStore struct {
	db *gorm.DB
}

func NewControllerStore(db *gorm.DB) *ControllerStore {
	return &ControllerStore{db: db}
}

// Get returns one controller record by ID.
func (s *ControllerStore) Get(ctx context.Context, id string) (*model.ControllerRecord, error) {
	var rec model.ControllerRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrControllerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load controller %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every controller record, newest registration first.
func (s *ControllerStore) List(ctx context.Context) ([]*model.ControllerRecord, error) {
	var recs []*model.ControllerRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list controllers: %w", err)
	}
	return recs, nil
}

// UpsertRegistration creates the record on first registration and refreshes
// the identity columns on every later one. Pending flags are left untouched
// so a reconnect never loses a queued sync.
func (s *ControllerStore) UpsertRegistration(ctx context.Context, p *RegistrationPayload, now time.Time) (*model.ControllerRecord, error) {
	var rec model.ControllerRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&rec, "id = ?", p.ControllerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = model.ControllerRecord{
				ID:            p.ControllerID,
				SiteID:        p.SiteID,
				Name:          p.Name,
				LocalNetwork:  p.LocalNetwork,
				MDNSService:   p.MDNSService,
				ControllerURL: p.ControllerURL,
				Version:       p.Version,
				Status:        model.ControllerStatusOnline,
				LastSync:      now,
			}
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"site_id":        p.SiteID,
			"name":           p.Name,
			"local_network":  p.LocalNetwork,
			"mdns_service":   p.MDNSService,
			"controller_url": p.ControllerURL,
			"version":        p.Version,
			"status":         model.ControllerStatusOnline,
			"last_sync":      now,
		}
		if err := tx.Model(&model.ControllerRecord{}).
			Where("id = ?", p.ControllerID).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&rec, "id = ?", p.ControllerID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert controller %s: %w", p.ControllerID, err)
	}
	return &rec, nil
}

// TouchStatus refreshes last_sync and optionally the status column for one
// controller heartbeat.
func (s *ControllerStore) TouchStatus(ctx context.Context, id string, status model.ControllerStatus, now time.Time) error {
	updates := map[string]any{"last_sync": now}
	if status != "" {
		updates["status"] = status
	}
	res := s.db.WithContext(ctx).Model(&model.ControllerRecord{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to touch controller %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrControllerNotFound
	}
	return nil
}

// SetStatus overwrites the status column, used by the admin API.
func (s *ControllerStore) SetStatus(ctx context.Context, id string, status model.ControllerStatus) error {
	res := s.db.WithContext(ctx).Model(&model.ControllerRecord{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to set status for controller %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrControllerNotFound
	}
	return nil
}

// MarkAllPending raises the pending flag of the given kind on every record
// and stamps when it was raised.
func (s *ControllerStore) MarkAllPending(ctx context.Context, kind SyncKind, now time.Time) (int64, error) {
	flag, at, err := kind.flagColumns()
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&model.ControllerRecord{}).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Updates(map[string]any{flag: true, at: now})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark %s pending: %w", kind, res.Error)
	}
	return res.RowsAffected, nil
}

// ClearPending lowers one controller's pending flag, but only when the flag
// was raised at or before cutoff. A flag re-raised after the delivery that is
// being confirmed stays up, trading duplicate delivery for never losing one.
func (s *ControllerStore) ClearPending(ctx context.Context, kind SyncKind, id string, cutoff time.Time) (bool, error) {
	flag, at, err := kind.flagColumns()
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&model.ControllerRecord{}).
		Where("id = ? AND "+flag+" = ? AND "+at+" <= ?", id, true, cutoff).
		Updates(map[string]any{flag: false, at: nil})
	if res.Error != nil {
		return false, fmt.Errorf("failed to clear %s pending for controller %s: %w", kind, id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListPending returns the records whose pending flag of the given kind is up.
func (s *ControllerStore) ListPending(ctx context.Context, kind SyncKind) ([]*model.ControllerRecord, error) {
	flag, _, err := kind.flagColumns()
	if err != nil {
		return nil, err
	}
	var recs []*model.ControllerRecord
	if err := s.db.WithContext(ctx).Where(flag+" = ?", true).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s pending controllers: %w", kind, err)
	}
	return recs, nil
}

// MarkOffline flips records from online to offline when their last_sync fell
// behind staleBefore. Maintenance and error states are administrative and are
// never overwritten by the sweep.
func (s *ControllerStore) MarkOffline(ctx context.Context, staleBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.ControllerRecord{}).
		Where("status = ? AND last_sync < ?", model.ControllerStatusOnline, staleBefore).
		Update("status", model.ControllerStatusOffline)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark stale controllers offline: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkOnline flips records back from offline to online when a fresh last_sync
// shows the controller recovered between sweeps.
func (s *ControllerStore) MarkOnline(ctx context.Context, freshSince time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.ControllerRecord{}).
		Where("status = ? AND last_sync >= ?", model.ControllerStatusOffline, freshSince).
		Update("status", model.ControllerStatusOnline)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark recovered controllers online: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DashboardStore persists the dashboard list broadcast to controllers.
type DashboardStore struct {
	db *gorm.DB
}

func NewDashboardStore(db *gorm.DB) *DashboardStore {
	return &DashboardStore{db: db}
}

// ListAll returns every dashboard in display order.
func (s *DashboardStore) ListAll(ctx context.Context) ([]*model.Dashboard, error) {
	var items []*model.Dashboard
	if err := s.db.WithContext(ctx).Order("sort_order ASC, name ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list dashboards: %w", err)
	}
	return items, nil
}

// Get returns one dashboard by ID.
func (s *DashboardStore) Get(ctx context.Context, id string) (*model.Dashboard, error) {
	var item model.Dashboard
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dashboard %s: %w", id, err)
	}
	return &item, nil
}

// Save creates or replaces one dashboard.
func (s *DashboardStore) Save(ctx context.Context, d *model.Dashboard) error {
	if err := s.db.WithContext(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("failed to save dashboard %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes one dashboard. Deleting an unknown ID is not an error.
func (s *DashboardStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&model.Dashboard{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete dashboard %s: %w", id, err)
	}
	return nil
}

// CookieStore persists cookie domains broadcast to controllers.
type CookieStore struct {
	db *gorm.DB
}

func NewCookieStore(db *gorm.DB) *CookieStore {
	return &CookieStore{db: db}
}

// ListAllDomains returns every cookie domain sorted by domain name.
func (s *CookieStore) ListAllDomains(ctx context.Context) ([]*model.CookieDomain, error) {
	var items []*model.CookieDomain
	if err := s.db.WithContext(ctx).Order("domain ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list cookie domains: %w", err)
	}
	return items, nil
}

// Get returns one cookie domain by ID.
func (s *CookieStore) Get(ctx context.Context, id string) (*model.CookieDomain, error) {
	var item model.CookieDomain
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cookie domain %s: %w", id, err)
	}
	return &item, nil
}

// Save creates or replaces one cookie domain.
func (s *CookieStore) Save(ctx context.Context, d *model.CookieDomain) error {
	if err := s.db.WithContext(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("failed to save cookie domain %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes one cookie domain. Deleting an unknown ID is not an error.
func (s *CookieStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&model.CookieDomain{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete cookie domain %s: %w", id, err)
	}
	return nil
}

package fleet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fredppm/DisplayOps-sub003/model"
)

// Message types sent by controllers.
const (
	TypeRegistration    = "registration"
	TypeStatusUpdate    = "status_update"
	TypeCommandResponse = "command_response"
)

// Message types sent by the admin service.
const (
	TypeRegistrationSuccess = "registration_success"
	TypeRegistrationError   = "registration_error"
	TypeStatusAcknowledged  = "status_acknowledged"
	TypeDashboardSync       = "dashboard_sync"
	TypeCookieSync          = "cookie_sync"
	TypeError               = "error"
)

// Error codes carried in registration_error and error replies.
const (
	CodeMissingData   = "MISSING_DATA"
	CodeNotRegistered = "NOT_REGISTERED"
	CodeInternalError = "INTERNAL_ERROR"
)

// Envelope is the frame exchanged over the controller connection. Payload
// stays raw until the type is known.
type Envelope struct {
	Type         string          `json:"type"`
	ControllerID string          `json:"controller_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope stamps an outbound frame with the current time.
func NewEnvelope(msgType, controllerID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:         msgType,
		ControllerID: controllerID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// RegistrationPayload is the identity a controller presents when it connects.
type RegistrationPayload struct {
	ControllerID  string  `json:"controller_id"`
	SiteID        *string `json:"site_id,omitempty"`
	Name          string  `json:"name"`
	LocalNetwork  string  `json:"local_network"`
	MDNSService   string  `json:"mdns_service"`
	ControllerURL string  `json:"controller_url"`
	Version       string  `json:"version"`
}

// StatusUpdatePayload is a periodic heartbeat with an optional state change.
type StatusUpdatePayload struct {
	Status string `json:"status,omitempty"`
}

// CommandResponsePayload acknowledges a previously delivered sync command.
type CommandResponsePayload struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// RegistrationSuccessPayload confirms a registration and echoes the stored
// record so the controller can reconcile its view.
type RegistrationSuccessPayload struct {
	ControllerID string                  `json:"controller_id"`
	Record       *model.ControllerRecord `json:"record"`
}

// ErrorPayload is the body of registration_error and error frames.
// RetrySuggested tells the controller the condition is recoverable by
// re-registering.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RetrySuggested bool   `json:"retry_suggested,omitempty"`
}

// DashboardSyncPayload pushes the full dashboard list to one controller.
type DashboardSyncPayload struct {
	CommandID  string           `json:"command_id"`
	SyncType   string           `json:"sync_type"`
	Dashboards []*DashboardItem `json:"dashboards"`
}

// DashboardItem is the wire projection of a stored dashboard.
type DashboardItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	Description     string `json:"description,omitempty"`
	RefreshInterval int    `json:"refresh_interval"`
	RequiresAuth    bool   `json:"requires_auth"`
	Category        string `json:"category,omitempty"`
	SortOrder       int    `json:"sort_order"`
}

// CookieSyncPayload pushes every cookie domain to one controller.
type CookieSyncPayload struct {
	CommandID string              `json:"command_id"`
	SyncType  string              `json:"sync_type"`
	Domains   []*CookieDomainItem `json:"domains"`
}

// CookieDomainItem is the wire projection of a stored cookie domain.
type CookieDomainItem struct {
	ID          string          `json:"id"`
	Domain      string          `json:"domain"`
	Description string          `json:"description,omitempty"`
	Cookies     []*model.Cookie `json:"cookies"`
}

// DecodeRegistration validates a registration payload. A missing controller ID
// or name is a protocol error the caller reports with CodeMissingData.
func DecodeRegistration(env *Envelope) (*RegistrationPayload, error) {
	var p RegistrationPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed registration payload: %w", err)
		}
	}
	// The envelope controller_id wins when the payload omits its own.
	if p.ControllerID == "" {
		p.ControllerID = env.ControllerID
	}
	if p.ControllerID == "" {
		return nil, fmt.Errorf("registration missing controller_id")
	}
	if p.Name == "" {
		return nil, fmt.Errorf("registration missing name")
	}
	return &p, nil
}

// DecodeStatusUpdate validates a status_update payload. An empty payload is a
// bare heartbeat; a present status must be a known state.
func DecodeStatusUpdate(env *Envelope) (*StatusUpdatePayload, error) {
	var p StatusUpdatePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed status_update payload: %w", err)
		}
	}
	if p.Status != "" && !model.IsValidControllerStatus(p.Status) {
		return nil, fmt.Errorf("unknown controller status %q", p.Status)
	}
	return &p, nil
}

// DecodeCommandResponse validates a command_response payload.
func DecodeCommandResponse(env *Envelope) (*CommandResponsePayload, error) {
	var p CommandResponsePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed command_response payload: %w", err)
		}
	}
	if p.CommandID == "" {
		return nil, fmt.Errorf("command_response missing command_id")
	}
	return &p, nil
}

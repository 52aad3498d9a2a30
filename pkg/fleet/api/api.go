package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fredppm/DisplayOps-sub003/model"
	"github.com/fredppm/DisplayOps-sub003/pkg/fleet"
)

// FleetAPI is the admin-facing REST surface over the fleet service. Every
// write to dashboards or cookies triggers the matching fleet-wide sync.
type FleetAPI struct {
	logger  *zap.Logger
	service *fleet.Service
}

func NewFleetAPI(logger *zap.Logger, service *fleet.Service) *FleetAPI {
	return &FleetAPI{logger: logger, service: service}
}

// Register mounts all routes under /api/v1.
func (a *FleetAPI) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/status", a.getStatus).Methods(http.MethodGet)

	v1.HandleFunc("/sync/dashboards", a.syncDashboards).Methods(http.MethodPost)
	v1.HandleFunc("/sync/cookies", a.syncCookies).Methods(http.MethodPost)

	v1.HandleFunc("/controllers", a.listControllers).Methods(http.MethodGet)
	v1.HandleFunc("/controllers/{id}", a.getController).Methods(http.MethodGet)
	v1.HandleFunc("/controllers/{id}/status", a.setControllerStatus).Methods(http.MethodPut)

	v1.HandleFunc("/dashboards", a.listDashboards).Methods(http.MethodGet)
	v1.HandleFunc("/dashboards", a.createDashboard).Methods(http.MethodPost)
	v1.HandleFunc("/dashboards/{id}", a.getDashboard).Methods(http.MethodGet)
	v1.HandleFunc("/dashboards/{id}", a.updateDashboard).Methods(http.MethodPut)
	v1.HandleFunc("/dashboards/{id}", a.deleteDashboard).Methods(http.MethodDelete)

	v1.HandleFunc("/cookies", a.listCookieDomains).Methods(http.MethodGet)
	v1.HandleFunc("/cookies", a.createCookieDomain).Methods(http.MethodPost)
	v1.HandleFunc("/cookies/{id}", a.getCookieDomain).Methods(http.MethodGet)
	v1.HandleFunc("/cookies/{id}", a.updateCookieDomain).Methods(http.MethodPut)
	v1.HandleFunc("/cookies/{id}", a.deleteCookieDomain).Methods(http.MethodDelete)
}

type statusResponse struct {
	Running            bool `json:"running"`
	Sessions           int  `json:"sessions"`
	RegisteredSessions int  `json:"registered_sessions"`
}

func (a *FleetAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	reg := a.service.Registry()
	writeJSON(w, http.StatusOK, &statusResponse{
		Running:            a.service.Running(),
		Sessions:           reg.Len(),
		RegisteredSessions: reg.BoundLen(),
	})
}

func (a *FleetAPI) syncDashboards(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.Syncer.TriggerDashboardSync(r.Context())
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to trigger dashboard sync", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *FleetAPI) syncCookies(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.Syncer.TriggerCookieSync(r.Context())
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to trigger cookie sync", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *FleetAPI) listControllers(w http.ResponseWriter, r *http.Request) {
	recs, err := a.service.Controllers.List(r.Context())
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to list controllers", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *FleetAPI) getController(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := a.service.Controllers.Get(r.Context(), id)
	if errors.Is(err, fleet.ErrControllerNotFound) {
		a.fail(w, http.StatusNotFound, "controller not found", nil)
		return
	}
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to load controller", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (a *FleetAPI) setControllerStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	if !model.IsValidControllerStatus(req.Status) {
		a.fail(w, http.StatusBadRequest, "unknown controller status", nil)
		return
	}

	err := a.service.Controllers.SetStatus(r.Context(), id, model.ControllerStatus(req.Status))
	if errors.Is(err, fleet.ErrControllerNotFound) {
		a.fail(w, http.StatusNotFound, "controller not found", nil)
		return
	}
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to set controller status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *FleetAPI) listDashboards(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.Dashboards.ListAll(r.Context())
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to list dashboards", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *FleetAPI) getDashboard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	item, err := a.service.Dashboards.Get(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a.fail(w, http.StatusNotFound, "dashboard not found", nil)
		return
	}
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to load dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *FleetAPI) createDashboard(w http.ResponseWriter, r *http.Request) {
	var item model.Dashboard
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		a.fail(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	if item.Name == "" || item.URL == "" {
		a.fail(w, http.StatusBadRequest, "name and url are required", nil)
		return
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt

	if err := a.service.Dashboards.Save(r.Context(), &item); err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to save dashboard", err)
		return
	}
	a.afterDashboardChange(r)
	writeJSON(w, http.StatusCreated, &item)
}

func (a *FleetAPI) updateDashboard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	existing, err := a.service.Dashboards.Get(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a.fail(w, http.StatusNotFound, "dashboard not found", nil)
		return
	}
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to load dashboard", err)
		return
	}

	var item model.Dashboard
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		a.fail(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	if item.Name == "" || item.URL == "" {
		a.fail(w, http.StatusBadRequest, "name and url are required", nil)
		return
	}
	item.ID = id
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = time.Now().UTC()

	if err := a.service.Dashboards.Save(r.Context(), &item); err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to save dashboard", err)
		return
	}
	a.afterDashboardChange(r)
	writeJSON(w, http.StatusOK, &item)
}

func (a *FleetAPI) deleteDashboard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.service.Dashboards.Delete(r.Context(), id); err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to delete dashboard", err)
		return
	}
	a.afterDashboardChange(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *FleetAPI) listCookieDomains(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.Cookies.ListAllDomains(r.Context())
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to list cookie domains", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *FleetAPI) getCookieDomain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	item, err := a.service.Cookies.Get(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a.fail(w, http.StatusNotFound, "cookie domain not found", nil)
		return
	}
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to load cookie domain", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *FleetAPI) createCookieDomain(w http.ResponseWriter, r *http.Request) {
	var item model.CookieDomain
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		a.fail(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	if item.Domain == "" {
		a.fail(w, http.StatusBadRequest, "domain is required", nil)
		return
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt

	if err := a.service.Cookies.Save(r.Context(), &item); err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to save cookie domain", err)
		return
	}
	a.afterCookieChange(r)
	writeJSON(w, http.StatusCreated, &item)
}

func (a *FleetAPI) updateCookieDomain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	existing, err := a.service.Cookies.Get(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a.fail(w, http.StatusNotFound, "cookie domain not found", nil)
		return
	}
	if err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to load cookie domain", err)
		return
	}

	var item model.CookieDomain
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		a.fail(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	if item.Domain == "" {
		a.fail(w, http.StatusBadRequest, "domain is required", nil)
		return
	}
	item.ID = id
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = time.Now().UTC()

	if err := a.service.Cookies.Save(r.Context(), &item); err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to save cookie domain", err)
		return
	}
	a.afterCookieChange(r)
	writeJSON(w, http.StatusOK, &item)
}

func (a *FleetAPI) deleteCookieDomain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.service.Cookies.Delete(r.Context(), id); err != nil {
		a.fail(w, http.StatusInternalServerError, "failed to delete cookie domain", err)
		return
	}
	a.afterCookieChange(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *FleetAPI) afterDashboardChange(r *http.Request) {
	if _, err := a.service.Syncer.TriggerDashboardSync(r.Context()); err != nil {
		a.logger.Error("failed to trigger dashboard sync after change", zap.Error(err))
	}
}

func (a *FleetAPI) afterCookieChange(r *http.Request) {
	if _, err := a.service.Syncer.TriggerCookieSync(r.Context()); err != nil {
		a.logger.Error("failed to trigger cookie sync after change", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *FleetAPI) fail(w http.ResponseWriter, code int, msg string, err error) {
	if err != nil {
		a.logger.Error(msg, zap.Error(err))
	}
	writeJSON(w, code, &errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

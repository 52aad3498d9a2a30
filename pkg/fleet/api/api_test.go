package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/fredppm/DisplayOps-sub003/config"
	"github.com/fredppm/DisplayOps-sub003/model"
	"github.com/fredppm/DisplayOps-sub003/pkg/fleet"
)

type testAPI struct {
	service *fleet.Service
	server  *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.ControllerRecord{},
		&model.Dashboard{},
		&model.CookieDomain{},
	))

	logger := zaptest.NewLogger(t)
	service := fleet.NewService(logger, config.Default(), db, prometheus.NewRegistry())

	r := mux.NewRouter()
	NewFleetAPI(logger, service).Register(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testAPI{service: service, server: server}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedController(t *testing.T, a *testAPI, id string) {
	t.Helper()

	_, err := a.service.Controllers.UpsertRegistration(context.Background(),
		&fleet.RegistrationPayload{ControllerID: id, Name: "lobby-" + id},
		time.Now().UTC())
	require.NoError(t, err)
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, false, body["running"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestSyncEndpointsMarkPending(t *testing.T) {
	a := newTestAPI(t)
	seedController(t, a, "ctl-1")
	seedController(t, a, "ctl-2")

	resp := a.do(t, http.MethodPost, "/api/v1/sync/dashboards", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[fleet.BroadcastResult](t, resp)
	assert.EqualValues(t, 2, result.Marked)
	assert.Zero(t, result.Delivered)

	pending, err := a.service.Controllers.ListPending(context.Background(), fleet.SyncDashboards)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	resp = a.do(t, http.MethodPost, "/api/v1/sync/cookies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControllerEndpoints(t *testing.T) {
	a := newTestAPI(t)
	seedController(t, a, "ctl-1")

	resp := a.do(t, http.MethodGet, "/api/v1/controllers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs := decode[[]*model.ControllerRecord](t, resp)
	require.Len(t, recs, 1)

	resp = a.do(t, http.MethodGet, "/api/v1/controllers/ctl-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/v1/controllers/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = a.do(t, http.MethodPut, "/api/v1/controllers/ctl-1/status",
		map[string]string{"status": "maintenance"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	rec, err := a.service.Controllers.Get(context.Background(), "ctl-1")
	require.NoError(t, err)
	assert.Equal(t, model.ControllerStatusMaintenance, rec.Status)

	resp = a.do(t, http.MethodPut, "/api/v1/controllers/ctl-1/status",
		map[string]string{"status": "rebooting"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDashboardCRUDTriggersSync(t *testing.T) {
	a := newTestAPI(t)
	seedController(t, a, "ctl-1")

	resp := a.do(t, http.MethodPost, "/api/v1/dashboards", &model.Dashboard{
		Name: "Ops", URL: "https://grafana/ops",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[model.Dashboard](t, resp)
	assert.NotEmpty(t, created.ID)

	// The write marked every controller pending.
	pending, err := a.service.Controllers.ListPending(context.Background(), fleet.SyncDashboards)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	resp = a.do(t, http.MethodGet, "/api/v1/dashboards", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]*model.Dashboard](t, resp)
	require.Len(t, items, 1)

	resp = a.do(t, http.MethodPut, "/api/v1/dashboards/"+created.ID, &model.Dashboard{
		Name: "Ops v2", URL: "https://grafana/ops-v2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[model.Dashboard](t, resp)
	assert.Equal(t, "Ops v2", updated.Name)
	assert.Equal(t, created.ID, updated.ID)

	resp = a.do(t, http.MethodPost, "/api/v1/dashboards", &model.Dashboard{Name: "no-url"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodDelete, "/api/v1/dashboards/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/v1/dashboards/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCookieDomainCRUDTriggersSync(t *testing.T) {
	a := newTestAPI(t)
	seedController(t, a, "ctl-1")

	resp := a.do(t, http.MethodPost, "/api/v1/cookies", &model.CookieDomain{
		Domain: "grafana.internal",
		Cookies: []*model.Cookie{
			{Name: "session", Value: "abc", Secure: true},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[model.CookieDomain](t, resp)
	assert.NotEmpty(t, created.ID)

	pending, err := a.service.Controllers.ListPending(context.Background(), fleet.SyncCookies)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	resp = a.do(t, http.MethodGet, "/api/v1/cookies/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.CookieDomain](t, resp)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "session", got.Cookies[0].Name)

	resp = a.do(t, http.MethodPost, "/api/v1/cookies", &model.CookieDomain{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodDelete, "/api/v1/cookies/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/fredppm/DisplayOps-sub003/model"
)

type testFleet struct {
	db       *gorm.DB
	registry *Registry
	store    *ControllerStore
	syncer   *Broadcaster
	handler  *Handler
	server   *httptest.Server
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()

	db := newTestDB(t)
	logger := zaptest.NewLogger(t)
	registry := NewRegistry()
	metrics := NewMetrics(prometheus.NewRegistry(), registry)

	controllers := NewControllerStore(db)
	dashboards := NewDashboardStore(db)
	cookies := NewCookieStore(db)
	syncer := NewBroadcaster(logger, registry, controllers, dashboards, cookies, metrics)
	handler := NewHandler(logger, registry, controllers, syncer, metrics,
		2*time.Second, time.Minute)

	server := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	t.Cleanup(server.Close)

	return &testFleet{
		db:       db,
		registry: registry,
		store:    controllers,
		syncer:   syncer,
		handler:  handler,
		server:   server,
	}
}

func (f *testFleet) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType, controllerID string, payload any) {
	t.Helper()

	env, err := NewEnvelope(msgType, controllerID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func recv(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func register(t *testing.T, f *testFleet, conn *websocket.Conn, id string) *Envelope {
	t.Helper()

	send(t, conn, TypeRegistration, id, registration(id))
	reply := recv(t, conn)
	require.Equal(t, TypeRegistrationSuccess, reply.Type)
	return reply
}

func TestRegistrationFlow(t *testing.T) {
	f := newTestFleet(t)
	conn := f.dial(t)

	reply := register(t, f, conn, "ctl-1")

	var p RegistrationSuccessPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, "ctl-1", p.ControllerID)
	require.NotNil(t, p.Record)
	assert.Equal(t, model.ControllerStatusOnline, p.Record.Status)

	rec, err := f.store.Get(context.Background(), "ctl-1")
	require.NoError(t, err)
	assert.Equal(t, "lobby-ctl-1", rec.Name)

	require.Eventually(t, func() bool {
		_, ok := f.registry.ByController("ctl-1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestRegistrationMissingIDRejected(t *testing.T) {
	f := newTestFleet(t)
	conn := f.dial(t)

	send(t, conn, TypeRegistration, "", &RegistrationPayload{Name: "nameless"})
	reply := recv(t, conn)

	assert.Equal(t, TypeRegistrationError, reply.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, CodeMissingData, p.Code)

	// The connection stays open for a corrected attempt.
	register(t, f, conn, "ctl-1")
}

func TestStatusUpdateBeforeRegistration(t *testing.T) {
	f := newTestFleet(t)
	conn := f.dial(t)

	send(t, conn, TypeStatusUpdate, "", &StatusUpdatePayload{})
	reply := recv(t, conn)

	assert.Equal(t, TypeError, reply.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, CodeNotRegistered, p.Code)
}

func TestStatusUpdateAcknowledged(t *testing.T) {
	f := newTestFleet(t)
	conn := f.dial(t)
	register(t, f, conn, "ctl-1")

	send(t, conn, TypeStatusUpdate, "ctl-1",
		&StatusUpdatePayload{Status: string(model.ControllerStatusMaintenance)})
	reply := recv(t, conn)
	assert.Equal(t, TypeStatusAcknowledged, reply.Type)

	rec, err := f.store.Get(context.Background(), "ctl-1")
	require.NoError(t, err)
	assert.Equal(t, model.ControllerStatusMaintenance, rec.Status)
}

func TestInvalidStatusRejected(t *testing.T) {
	f := newTestFleet(t)
	conn := f.dial(t)
	register(t, f, conn, "ctl-1")

	send(t, conn, TypeStatusUpdate, "ctl-1", &StatusUpdatePayload{Status: "rebooting"})
	reply := recv(t, conn)

	assert.Equal(t, TypeError, reply.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, CodeMissingData, p.Code)
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	f := newTestFleet(t)
	conn := f.dial(t)

	send(t, conn, "telemetry_v9", "", nil)
	// The session survives the unknown frame.
	register(t, f, conn, "ctl-1")
}

func TestDuplicateRegistrationDisplacesOldSession(t *testing.T) {
	f := newTestFleet(t)

	first := f.dial(t)
	register(t, f, first, "ctl-1")

	second := f.dial(t)
	register(t, f, second, "ctl-1")

	// The first connection gets closed by the displacement.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return f.registry.Len() == 1 && f.registry.BoundLen() == 1
	}, time.Second, 10*time.Millisecond)

	// The second session still works.
	send(t, second, TypeStatusUpdate, "ctl-1", &StatusUpdatePayload{})
	reply := recv(t, second)
	assert.Equal(t, TypeStatusAcknowledged, reply.Type)
}

func TestPendingSyncReplayedOnRegistration(t *testing.T) {
	f := newTestFleet(t)
	ctx := context.Background()

	// The controller registered once in the past and is currently away.
	now := time.Now().UTC()
	_, err := f.store.UpsertRegistration(ctx, registration("ctl-1"), now)
	require.NoError(t, err)

	res, err := f.syncer.TriggerDashboardSync(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Marked)
	assert.Zero(t, res.Delivered)

	// It reconnects: registration reply first, then the queued sync.
	conn := f.dial(t)
	register(t, f, conn, "ctl-1")

	syncMsg := recv(t, conn)
	assert.Equal(t, TypeDashboardSync, syncMsg.Type)
	assert.Equal(t, "ctl-1", syncMsg.ControllerID)

	require.Eventually(t, func() bool {
		rec, err := f.store.Get(ctx, "ctl-1")
		return err == nil && !rec.PendingDashboardSync
	}, time.Second, 10*time.Millisecond)
}

func TestRegistrationReplyPrecedesConcurrentBroadcasts(t *testing.T) {
	f := newTestFleet(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := f.store.UpsertRegistration(ctx, registration("ctl-1"), now)
	require.NoError(t, err)

	// Hammer broadcasts for the whole registration handshake.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = f.syncer.TriggerDashboardSync(ctx)
			}
		}
	}()

	conn := f.dial(t)
	send(t, conn, TypeRegistration, "ctl-1", registration("ctl-1"))

	// The confirmation must be the first frame on the wire, never a sync.
	first := recv(t, conn)
	assert.Equal(t, TypeRegistrationSuccess, first.Type)

	next := recv(t, conn)
	assert.Equal(t, TypeDashboardSync, next.Type)

	close(stop)
	wg.Wait()
}

func TestRegistrationStoreFailureReported(t *testing.T) {
	f := newTestFleet(t)

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	conn := f.dial(t)
	send(t, conn, TypeRegistration, "ctl-1", registration("ctl-1"))
	reply := recv(t, conn)

	require.Equal(t, TypeRegistrationError, reply.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, CodeInternalError, p.Code)
	assert.True(t, p.RetrySuggested)
}

func TestUnregisteredDisconnectEmitsNoEvent(t *testing.T) {
	f := newTestFleet(t)
	events := make(chan Event, 8)
	f.handler.OnEvent(func(e Event) { events <- e })

	conn := f.dial(t)

	select {
	case e := <-events:
		require.Equal(t, EventConnected, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	conn.Close()
	require.Eventually(t, func() bool {
		return f.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case e := <-events:
		t.Fatalf("unexpected %s event for unregistered session", e.Type)
	default:
	}
}

func TestLifecycleEvents(t *testing.T) {
	f := newTestFleet(t)
	events := make(chan Event, 8)
	f.handler.OnEvent(func(e Event) { events <- e })

	conn := f.dial(t)
	register(t, f, conn, "ctl-1")
	conn.Close()

	for _, want := range []EventType{EventConnected, EventRegistered, EventDisconnected} {
		select {
		case e := <-events:
			assert.Equal(t, want, e.Type)
			assert.NotEmpty(t, e.SessionID)
			if want != EventConnected {
				assert.Equal(t, "ctl-1", e.ControllerID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestReaperClosesIdleSessions(t *testing.T) {
	f := newTestFleet(t)
	conn := f.dial(t)
	register(t, f, conn, "ctl-1")

	reaper := NewReaper(zaptest.NewLogger(t), f.registry, time.Minute, 30*time.Millisecond)

	require.Eventually(t, func() bool {
		return reaper.RunOnce() == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Zero(t, f.registry.Len())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

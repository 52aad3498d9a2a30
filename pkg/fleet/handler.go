package fleet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fredppm/DisplayOps-sub003/model"
)

// Handler owns the controller websocket endpoint: upgrade, registration,
// heartbeats and command responses. Frames from one session are processed
// serially, so replies and replayed syncs keep their order.
type Handler struct {
	logger    *zap.Logger
	registry  *Registry
	store     *ControllerStore
	syncer    *Broadcaster
	metrics   *Metrics
	events    *notifier
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration
}

func NewHandler(logger *zap.Logger, registry *Registry, store *ControllerStore, syncer *Broadcaster, metrics *Metrics, writeWait, pongWait time.Duration) *Handler {
	return &Handler{
		logger:   logger,
		registry: registry,
		store:    store,
		syncer:   syncer,
		metrics:  metrics,
		events:   &notifier{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Controllers connect from arbitrary site networks.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeWait: writeWait,
		pongWait:  pongWait,
	}
}

// OnEvent registers an observer for connection lifecycle events.
func (h *Handler) OnEvent(o Observer) {
	h.events.subscribe(o)
}

// ServeWS upgrades the request and runs the session until the connection
// drops or the reaper closes it.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	sess := newSession(conn, h.writeWait, h.pongWait)
	h.registry.Add(sess)
	h.events.publish(EventConnected, sess)
	h.logger.Info("controller connected",
		zap.String("session_id", sess.ID()),
		zap.String("remote", r.RemoteAddr))

	go h.pingLoop(sess)
	h.readLoop(r.Context(), sess)
}

func (h *Handler) pingLoop(sess *Session) {
	interval := h.pongWait * 8 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if sess.Closed() {
			return
		}
		if err := sess.Ping(); err != nil {
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, sess *Session) {
	defer h.closeSession(sess)

	for {
		var env Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("controller connection lost",
					zap.String("session_id", sess.ID()),
					zap.String("controller_id", sess.ControllerID()),
					zap.Error(err))
			}
			return
		}
		sess.touch()
		h.dispatch(ctx, sess, &env)
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *Session, env *Envelope) {
	h.metrics.MessageReceived(env.Type)

	switch env.Type {
	case TypeRegistration:
		h.handleRegistration(ctx, sess, env)
	case TypeStatusUpdate:
		h.handleStatusUpdate(ctx, sess, env)
	case TypeCommandResponse:
		h.handleCommandResponse(ctx, sess, env)
	default:
		// Unknown types are ignored so older admin builds tolerate newer
		// controllers.
		h.logger.Debug("ignoring unknown message type",
			zap.String("session_id", sess.ID()),
			zap.String("type", env.Type))
	}
}

func (h *Handler) handleRegistration(ctx context.Context, sess *Session, env *Envelope) {
	p, err := DecodeRegistration(env)
	if err != nil {
		h.logger.Warn("rejecting registration",
			zap.String("session_id", sess.ID()), zap.Error(err))
		h.sendError(sess, TypeRegistrationError, "", CodeMissingData, err.Error())
		return
	}

	rec, err := h.store.UpsertRegistration(ctx, p, time.Now().UTC())
	if err != nil {
		h.logger.Error("failed to persist registration",
			zap.String("controller_id", p.ControllerID), zap.Error(err))
		h.sendError(sess, TypeRegistrationError, p.ControllerID,
			CodeInternalError, "failed to persist registration")
		return
	}

	reply, err := NewEnvelope(TypeRegistrationSuccess, p.ControllerID,
		&RegistrationSuccessPayload{ControllerID: p.ControllerID, Record: rec})
	if err != nil {
		h.logger.Error("failed to build registration reply", zap.Error(err))
		return
	}
	if err := sess.Send(reply); err != nil {
		h.logger.Warn("failed to confirm registration",
			zap.String("controller_id", p.ControllerID), zap.Error(err))
		return
	}
	h.metrics.MessageSent(TypeRegistrationSuccess)

	// The session joins the broadcast set only after the reply is on the
	// wire, so a racing broadcast can never reach this connection ahead of
	// the registration confirmation.
	if displaced := h.registry.Bind(sess, p.ControllerID); displaced != nil {
		h.logger.Info("displacing previous session for controller",
			zap.String("controller_id", p.ControllerID),
			zap.String("old_session_id", displaced.ID()),
			zap.String("new_session_id", sess.ID()))
		displaced.Close()
	}

	h.events.publish(EventRegistered, sess)
	h.logger.Info("controller registered",
		zap.String("controller_id", p.ControllerID),
		zap.String("session_id", sess.ID()),
		zap.String("version", p.Version))

	// Re-read the record before the replay: a broadcast that ran between
	// the upsert and the bind skipped this session and left its flag up.
	fresh, err := h.store.Get(ctx, p.ControllerID)
	if err != nil {
		h.logger.Error("failed to reload record for sync replay",
			zap.String("controller_id", p.ControllerID), zap.Error(err))
		return
	}
	h.syncer.ReplayPending(ctx, fresh, sess)
}

func (h *Handler) handleStatusUpdate(ctx context.Context, sess *Session, env *Envelope) {
	cid := sess.ControllerID()
	if cid == "" {
		h.sendError(sess, TypeError, "", CodeNotRegistered,
			"status_update before registration")
		return
	}

	p, err := DecodeStatusUpdate(env)
	if err != nil {
		h.logger.Warn("rejecting status update",
			zap.String("controller_id", cid), zap.Error(err))
		h.sendError(sess, TypeError, cid, CodeMissingData, err.Error())
		return
	}

	err = h.store.TouchStatus(ctx, cid, model.ControllerStatus(p.Status), time.Now().UTC())
	if errors.Is(err, ErrControllerNotFound) {
		// The record vanished underneath the session. Force a re-registration.
		h.sendError(sess, TypeError, cid, CodeNotRegistered, "controller record not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to persist status update",
			zap.String("controller_id", cid), zap.Error(err))
		return
	}

	reply, err := NewEnvelope(TypeStatusAcknowledged, cid, nil)
	if err != nil {
		return
	}
	if err := sess.Send(reply); err == nil {
		h.metrics.MessageSent(TypeStatusAcknowledged)
	}
}

func (h *Handler) handleCommandResponse(ctx context.Context, sess *Session, env *Envelope) {
	cid := sess.ControllerID()
	if cid == "" {
		h.sendError(sess, TypeError, "", CodeNotRegistered,
			"command_response before registration")
		return
	}

	p, err := DecodeCommandResponse(env)
	if err != nil {
		h.logger.Warn("rejecting command response",
			zap.String("controller_id", cid), zap.Error(err))
		h.sendError(sess, TypeError, cid, CodeMissingData, err.Error())
		return
	}

	if p.Success {
		h.logger.Debug("controller acknowledged command",
			zap.String("controller_id", cid),
			zap.String("command_id", p.CommandID))
	} else {
		h.logger.Warn("controller reported command failure",
			zap.String("controller_id", cid),
			zap.String("command_id", p.CommandID),
			zap.String("error", p.Error))
	}
	h.syncer.CommandResolved(ctx, cid, p)
}

func (h *Handler) sendError(sess *Session, msgType, controllerID, code, message string) {
	env, err := NewEnvelope(msgType, controllerID, &ErrorPayload{
		Code:    code,
		Message: message,
		// Missing bindings and transient server errors recover on a
		// re-registration attempt; malformed payloads do not.
		RetrySuggested: code == CodeNotRegistered || code == CodeInternalError,
	})
	if err != nil {
		return
	}
	if err := sess.Send(env); err == nil {
		h.metrics.MessageSent(msgType)
	}
}

func (h *Handler) closeSession(sess *Session) {
	sess.Close()
	h.registry.Remove(sess)
	// Sessions that never completed registration disconnect silently.
	if sess.ControllerID() != "" {
		h.events.publish(EventDisconnected, sess)
	}
	h.logger.Info("controller disconnected",
		zap.String("session_id", sess.ID()),
		zap.String("controller_id", sess.ControllerID()))
}

package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/fredppm/DisplayOps-sub003/model"
)

// syncTypeFull marks a payload carrying the complete data set rather than a
// delta.
const syncTypeFull = "full"

// BroadcastResult summarizes one fleet-wide sync attempt.
type BroadcastResult struct {
	Marked    int64 `json:"marked"`
	Delivered int   `json:"delivered"`
	Cleared   int   `json:"cleared"`
}

// Broadcaster implements at-least-once sync delivery. Every broadcast first
// raises the durable pending flag on all records, then pushes to whoever is
// connected; the flag comes down only after a successful write, and
// controllers that were away receive the sync on their next registration.
type Broadcaster struct {
	logger      *zap.Logger
	registry    *Registry
	controllers *ControllerStore
	dashboards  *DashboardStore
	cookies     *CookieStore
	metrics     *Metrics
}

func NewBroadcaster(logger *zap.Logger, registry *Registry, controllers *ControllerStore, dashboards *DashboardStore, cookies *CookieStore, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		logger:      logger,
		registry:    registry,
		controllers: controllers,
		dashboards:  dashboards,
		cookies:     cookies,
		metrics:     metrics,
	}
}

// TriggerDashboardSync marks every controller pending and pushes the current
// dashboard list to all connected ones.
func (b *Broadcaster) TriggerDashboardSync(ctx context.Context) (*BroadcastResult, error) {
	return b.broadcast(ctx, SyncDashboards)
}

// TriggerCookieSync marks every controller pending and pushes the current
// cookie domains to all connected ones.
func (b *Broadcaster) TriggerCookieSync(ctx context.Context) (*BroadcastResult, error) {
	return b.broadcast(ctx, SyncCookies)
}

func (b *Broadcaster) broadcast(ctx context.Context, kind SyncKind) (*BroadcastResult, error) {
	// The cutoff is captured before the flags go up. ClearPending compares
	// against it, so a flag re-raised by a later broadcast survives this one.
	cutoff := time.Now().UTC()

	marked, err := b.controllers.MarkAllPending(ctx, kind, cutoff)
	if err != nil {
		return nil, err
	}

	env, err := b.buildEnvelope(ctx, kind, "")
	if err != nil {
		return nil, err
	}

	result := &BroadcastResult{Marked: marked}
	for _, sess := range b.registry.All() {
		cid := sess.ControllerID()
		if cid == "" {
			continue
		}
		if err := b.deliver(ctx, kind, env, sess, cid, cutoff, result); err != nil {
			b.logger.Warn("sync delivery failed, pending flag kept",
				zap.String("kind", string(kind)),
				zap.String("controller_id", cid),
				zap.Error(err))
		}
	}

	b.logger.Info("sync broadcast finished",
		zap.String("kind", string(kind)),
		zap.Int64("marked", result.Marked),
		zap.Int("delivered", result.Delivered),
		zap.Int("cleared", result.Cleared))
	return result, nil
}

func (b *Broadcaster) deliver(ctx context.Context, kind SyncKind, env *Envelope, sess *Session, controllerID string, cutoff time.Time, result *BroadcastResult) error {
	// Each controller gets its own envelope so the controller_id field is
	// addressed to it.
	addressed := *env
	addressed.ControllerID = controllerID

	if err := sess.Send(&addressed); err != nil {
		return err
	}
	result.Delivered++
	b.metrics.MessageSent(env.Type)
	b.metrics.SyncDelivered(kind)

	cleared, err := b.controllers.ClearPending(ctx, kind, controllerID, cutoff)
	if err != nil {
		return err
	}
	if cleared {
		result.Cleared++
	}
	return nil
}

// ReplayPending pushes any sync still flagged on the record to a freshly
// registered session. The stamp on the record is the cutoff, so a broadcast
// racing with this registration keeps its own flag up.
func (b *Broadcaster) ReplayPending(ctx context.Context, rec *model.ControllerRecord, sess *Session) {
	if rec.PendingDashboardSync {
		b.replayOne(ctx, SyncDashboards, rec.ID, rec.PendingDashboardSyncAt, sess)
	}
	if rec.PendingCookieSync {
		b.replayOne(ctx, SyncCookies, rec.ID, rec.PendingCookieSyncAt, sess)
	}
}

func (b *Broadcaster) replayOne(ctx context.Context, kind SyncKind, controllerID string, flaggedAt *time.Time, sess *Session) {
	env, err := b.buildEnvelope(ctx, kind, controllerID)
	if err != nil {
		b.logger.Error("failed to build replay payload",
			zap.String("kind", string(kind)),
			zap.String("controller_id", controllerID),
			zap.Error(err))
		return
	}
	if err := sess.Send(env); err != nil {
		b.logger.Warn("sync replay failed, pending flag kept",
			zap.String("kind", string(kind)),
			zap.String("controller_id", controllerID),
			zap.Error(err))
		return
	}
	b.metrics.MessageSent(env.Type)
	b.metrics.SyncDelivered(kind)

	cutoff := time.Now().UTC()
	if flaggedAt != nil {
		cutoff = *flaggedAt
	}
	if _, err := b.controllers.ClearPending(ctx, kind, controllerID, cutoff); err != nil {
		b.logger.Error("failed to clear pending flag after replay",
			zap.String("kind", string(kind)),
			zap.String("controller_id", controllerID),
			zap.Error(err))
	}
	b.logger.Info("replayed pending sync",
		zap.String("kind", string(kind)),
		zap.String("controller_id", controllerID))
}

// CommandResolved records the outcome a controller reported for a delivered
// sync command.
func (b *Broadcaster) CommandResolved(_ context.Context, controllerID string, p *CommandResponsePayload) {
	b.metrics.CommandResolved(p.Success)
	if !p.Success {
		b.logger.Warn("sync command failed on controller",
			zap.String("controller_id", controllerID),
			zap.String("command_id", p.CommandID),
			zap.String("error", p.Error))
	}
}

func (b *Broadcaster) buildEnvelope(ctx context.Context, kind SyncKind, controllerID string) (*Envelope, error) {
	switch kind {
	case SyncDashboards:
		payload, err := b.buildDashboardPayload(ctx)
		if err != nil {
			return nil, err
		}
		return NewEnvelope(TypeDashboardSync, controllerID, payload)
	case SyncCookies:
		payload, err := b.buildCookiePayload(ctx)
		if err != nil {
			return nil, err
		}
		return NewEnvelope(TypeCookieSync, controllerID, payload)
	default:
		return nil, fmt.Errorf("unknown sync kind %q", kind)
	}
}

func (b *Broadcaster) buildDashboardPayload(ctx context.Context) (*DashboardSyncPayload, error) {
	stored, err := b.dashboards.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]*DashboardItem, 0, len(stored))
	if err := copier.Copy(&items, &stored); err != nil {
		return nil, fmt.Errorf("failed to project dashboards: %w", err)
	}
	return &DashboardSyncPayload{
		CommandID:  uuid.NewString(),
		SyncType:   syncTypeFull,
		Dashboards: items,
	}, nil
}

func (b *Broadcaster) buildCookiePayload(ctx context.Context) (*CookieSyncPayload, error) {
	stored, err := b.cookies.ListAllDomains(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]*CookieDomainItem, 0, len(stored))
	if err := copier.Copy(&items, &stored); err != nil {
		return nil, fmt.Errorf("failed to project cookie domains: %w", err)
	}
	return &CookieSyncPayload{
		CommandID: uuid.NewString(),
		SyncType:  syncTypeFull,
		Domains:   items,
	}, nil
}

package fleet

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fredppm/DisplayOps-sub003/config"
)

// Service owns the fleet subsystem: the websocket endpoint, both liveness
// tasks, the broadcaster and the HTTP listener. Start, Stop and ForceStop are
// idempotent.
type Service struct {
	logger *zap.Logger
	cfg    *config.Config

	registry *Registry
	metrics  *Metrics

	Controllers *ControllerStore
	Dashboards  *DashboardStore
	Cookies     *CookieStore
	Syncer      *Broadcaster

	handler *Handler
	reaper  *Reaper
	sweep   *Sweep

	mu      sync.Mutex
	running bool
	server  *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(logger *zap.Logger, cfg *config.Config, db *gorm.DB, reg prometheus.Registerer) *Service {
	registry := NewRegistry()
	metrics := NewMetrics(reg, registry)

	controllers := NewControllerStore(db)
	dashboards := NewDashboardStore(db)
	cookies := NewCookieStore(db)

	syncer := NewBroadcaster(logger, registry, controllers, dashboards, cookies, metrics)
	handler := NewHandler(logger, registry, controllers, syncer, metrics,
		cfg.Fleet.WriteWait, cfg.Fleet.PongWait)

	return &Service{
		logger:      logger,
		cfg:         cfg,
		registry:    registry,
		metrics:     metrics,
		Controllers: controllers,
		Dashboards:  dashboards,
		Cookies:     cookies,
		Syncer:      syncer,
		handler:     handler,
		reaper: NewReaper(logger, registry,
			cfg.Fleet.ReaperInterval, cfg.Fleet.IdleTimeout),
		sweep: NewSweep(logger, controllers,
			cfg.Fleet.SweepInterval, cfg.Fleet.OfflineThreshold),
	}
}

// WSHandler is the controller websocket endpoint for the router.
func (s *Service) WSHandler() http.HandlerFunc {
	return s.handler.ServeWS
}

// OnEvent registers an observer for connection lifecycle events. Observers
// added after Start still see later events.
func (s *Service) OnEvent(o Observer) {
	s.handler.OnEvent(o)
}

// Registry exposes the live session registry, read-only use intended.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Start binds the listener and launches the liveness tasks. Calling Start on
// a running service is a no-op.
func (s *Service) Start(h http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("service already running, start ignored")
		return nil
	}

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.ensurePortFree()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.server = &http.Server{Handler: h}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reaper.Run(ctx)
	}()

	if err := s.sweep.Start(); err != nil {
		cancel()
		_ = s.server.Close()
		return fmt.Errorf("failed to schedule staleness sweep: %w", err)
	}

	s.running = true
	s.logger.Info("fleet service started", zap.String("addr", addr))
	return nil
}

// Stop drains the service gracefully. Calling Stop on a stopped service is a
// no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Info("service not running, stop ignored")
		return nil
	}

	s.sweep.Stop()
	s.cancel()

	for _, sess := range s.registry.All() {
		sess.Close()
		s.registry.Remove(sess)
	}

	err := s.server.Shutdown(ctx)
	s.wg.Wait()

	s.running = false
	s.logger.Info("fleet service stopped")
	return err
}

// ForceStop tears everything down without waiting for in-flight requests.
func (s *Service) ForceStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.sweep.Stop()
	s.cancel()

	for _, sess := range s.registry.All() {
		sess.Close()
		s.registry.Remove(sess)
	}

	_ = s.server.Close()
	s.wg.Wait()

	s.running = false
	s.logger.Warn("fleet service force stopped")
}

// Running reports whether Start completed and Stop has not.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ensurePortFree reclaims the listen port from a leftover instance of this
// service. Everything here is best effort; the Listen call afterwards is the
// real authority.
func (s *Service) ensurePortFree() {
	port := s.cfg.Server.Port
	if !portBusy(port) {
		return
	}
	s.logger.Warn("listen port busy, attempting reclaim", zap.Int("port", port))

	err := retry.Do(
		func() error {
			if !portBusy(port) {
				return nil
			}
			if err := s.terminatePortOwner(port); err != nil {
				return err
			}
			if portBusy(port) {
				return fmt.Errorf("port %d still bound", port)
			}
			return nil
		},
		retry.Attempts(s.cfg.Fleet.ReclaimAttempts),
		retry.Delay(s.cfg.Fleet.ReclaimDelay),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		s.logger.Warn("port reclaim failed, bind will decide", zap.Int("port", port), zap.Error(err))
	}
}

func portBusy(port int) bool {
	conn, err := net.DialTimeout("tcp",
		fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Service) terminatePortOwner(port int) error {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return fmt.Errorf("failed to list tcp connections: %w", err)
	}

	self := int32(os.Getpid())
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) {
			continue
		}
		if c.Pid == 0 || c.Pid == self {
			continue
		}
		proc, err := process.NewProcess(c.Pid)
		if err != nil {
			return fmt.Errorf("failed to inspect pid %d: %w", c.Pid, err)
		}
		name, _ := proc.Name()
		s.logger.Warn("terminating process holding listen port",
			zap.Int32("pid", c.Pid),
			zap.String("name", name),
			zap.Int("port", port))
		if err := proc.Terminate(); err != nil {
			return fmt.Errorf("failed to terminate pid %d: %w", c.Pid, err)
		}
		return nil
	}
	return fmt.Errorf("no process found listening on port %d", port)
}

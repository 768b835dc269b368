package health

import (
	"context"
	"time"

	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/yanun0323/logs"
)

// ScopeClearer lifts a risk halt.
type ScopeClearer interface {
	Clear(ctx context.Context, scope model.Scope) error
}

// ConflictResolver lists and acknowledges recovery conflicts.
type ConflictResolver interface {
	Conflicts() []model.RecoveryConflict
	Acknowledge(ctx context.Context, conflictID string) (model.RecoveryConflict, error)
}

type ServerConfig struct {
	Addr string
	// Metrics serves /metrics from the default prometheus registry and
	// instruments every request. Enable it on one server per process.
	Metrics bool
	AppName string
}

// Server exposes the health record and the operator actions over HTTP.
type Server struct {
	cfg       ServerConfig
	app       *fiber.App
	monitor   *Monitor
	scopes    ScopeClearer
	conflicts ConflictResolver
}

func NewServer(cfg ServerConfig, monitor *Monitor, scopes ScopeClearer, conflicts ConflictResolver) *Server {
	if cfg.AppName == "" {
		cfg.AppName = "tradecore"
	}
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})
	s := &Server{
		cfg:       cfg,
		app:       app,
		monitor:   monitor,
		scopes:    scopes,
		conflicts: conflicts,
	}
	if cfg.Metrics {
		prometheus := fiberprometheus.New(cfg.AppName)
		prometheus.RegisterAt(app, "/metrics")
		app.Use(prometheus.Middleware)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/livez", s.Live)
	s.app.Get("/healthz", s.Health)
	s.app.Get("/readyz", s.Ready)
	s.app.Get("/conflicts", s.ListConflicts)
	s.app.Post("/conflicts/ack", s.AckConflict)
	s.app.Post("/scopes/clear", s.ClearScope)
}

// App returns the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("health server listening on %s", s.cfg.Addr)
		errCh <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(shutdownCtx)
	}
}

func (s *Server) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": true})
}

func (s *Server) Health(c *fiber.Ctx) error {
	return c.JSON(s.monitor.Status())
}

func (s *Server) Ready(c *fiber.Ctx) error {
	status := s.monitor.Status()
	if !status.Ready() {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(fiber.Map{"ready": status.Ready(), "status": status})
}

func (s *Server) ListConflicts(c *fiber.Ctx) error {
	if s.conflicts == nil {
		return c.JSON([]model.RecoveryConflict{})
	}
	return c.JSON(s.conflicts.Conflicts())
}

type ackRequest struct {
	ID string `json:"id"`
}

func (s *Server) AckConflict(c *fiber.Ctx) error {
	if s.conflicts == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "recovery is not configured")
	}
	var req ackRequest
	if err := c.BodyParser(&req); err != nil || req.ID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "body must be {\"id\": \"<conflict id>\"}")
	}
	conflict, err := s.conflicts.Acknowledge(c.UserContext(), req.ID)
	if err != nil {
		if exception.Is(err, exception.ErrRecoveryUnknownConflict) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		logs.Errorf("acknowledge conflict %s, err: %+v", req.ID, err)
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	s.monitor.Refresh(c.UserContext())
	return c.JSON(conflict)
}

type clearRequest struct {
	Symbol     string `json:"symbol"`
	StrategyID string `json:"strategyId"`
}

func (s *Server) ClearScope(c *fiber.Ctx) error {
	if s.scopes == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "risk guard is not configured")
	}
	var req clearRequest
	if err := c.BodyParser(&req); err != nil || req.Symbol == "" {
		return fiber.NewError(fiber.StatusBadRequest, "body must be {\"symbol\": \"...\", \"strategyId\": \"...\"}")
	}
	if req.StrategyID == "" {
		req.StrategyID = model.AnyStrategy
	}
	scope := model.Scope{Symbol: req.Symbol, StrategyID: req.StrategyID}
	if err := s.scopes.Clear(c.UserContext(), scope); err != nil {
		if exception.Is(err, exception.ErrRiskUnknownScope) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	logs.Infof("risk scope cleared by operator, scope: %s", scope)
	s.monitor.Refresh(c.UserContext())
	return c.JSON(fiber.Map{"cleared": scope.String()})
}

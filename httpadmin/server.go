package httpadmin

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"s3db.evalgo.org/version"
)

// PluginSummary is the introspection view of one installed plugin, supplied
// explicitly by the host wiring (cmd/s3dbengine) rather than discovered by
// reflection: plugin.Base exposes Slug/Namespace as plain fields, not an
// interface method, so the concrete wiring is the simplest place to collect
// them.
type PluginSummary struct {
	Slug      string `json:"slug"`
	Namespace string `json:"namespace"`
}

// TTLSweeper is satisfied by *ttl.Plugin.
type TTLSweeper interface {
	ForceSweep(ctx context.Context)
}

// StateInspector is satisfied by *statemachine.Plugin.
type StateInspector interface {
	InspectEntity(ctx context.Context, machineID, entity string) (map[string]interface{}, error)
}

// Server wires the operator endpoints against a fixed snapshot of the
// running plugin set plus the TTL and state-machine engines, instrumented
// with an OperationTracker.
type Server struct {
	Tracker *OperationTracker

	plugins []PluginSummary
	ttl     TTLSweeper
	sm      StateInspector
}

// NewServer returns a Server. ttl and sm may be nil if those engines aren't
// wired into this process; their routes then respond 404.
func NewServer(serviceName string, plugins []PluginSummary, ttl TTLSweeper, sm StateInspector) *Server {
	return &Server{
		Tracker: NewOperationTracker(serviceName, 1000),
		plugins: plugins,
		ttl:     ttl,
		sm:      sm,
	}
}

// RegisterRoutes adds the admin endpoints to g, wrapped in operation
// tracking.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.Use(s.Tracker.TrackingMiddleware("admin"))

	g.GET("/plugins", s.handleListPlugins)
	g.GET("/version", s.handleVersion)
	g.POST("/ttl/sweep", s.handleForceSweep)
	g.GET("/statemachine/:machineId/:entityId", s.handleInspectEntity)
	g.GET("/operations", s.handleListOperations)
	g.GET("/operations/:id", s.handleGetOperation)
	g.GET("/operations/stats", s.handleStats)
}

func (s *Server) handleListPlugins(c echo.Context) error {
	return c.JSON(http.StatusOK, s.plugins)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.GetBuildInfo())
}

func (s *Server) handleForceSweep(c echo.Context) error {
	if s.ttl == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "ttl engine not wired"})
	}
	s.ttl.ForceSweep(c.Request().Context())
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleInspectEntity(c echo.Context) error {
	if s.sm == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "state machine engine not wired"})
	}
	state, err := s.sm.InspectEntity(c.Request().Context(), c.Param("machineId"), c.Param("entityId"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleListOperations(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Tracker.List())
}

func (s *Server) handleGetOperation(c echo.Context) error {
	op := s.Tracker.Get(c.Param("id"))
	if op == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "operation not found"})
	}
	return c.JSON(http.StatusOK, op)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Tracker.Stats())
}

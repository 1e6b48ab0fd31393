package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/manager"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/types"
)

// Readiness reports per-subsystem readiness for the /ready endpoint
type Readiness struct {
	Registry        bool `json:"registry"`
	ContainerEngine bool `json:"containerEngine"`
}

// Ready is the overall readiness: the registry index must have loaded. A
// degraded container engine leaves non-container verbs servable.
func (r Readiness) Ready() bool {
	return r.Registry
}

// Server is the HTTP surface over the capabilities manager
type Server struct {
	manager   *manager.Manager
	readiness func() Readiness
	engine    *gin.Engine
	http      *http.Server
	logger    zerolog.Logger
}

// NewServer creates the API server
func NewServer(mgr *manager.Manager, readiness func() Readiness) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		manager:   mgr,
		readiness: readiness,
		engine:    engine,
		logger:    log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(s.observe)

	s.engine.POST("/executeAction", s.executeAction)
	s.engine.POST("/storePlugin", s.storePlugin)
	s.engine.GET("/plugins", s.listPlugins)
	s.engine.GET("/plugins/:id", s.getPlugin)
	s.engine.DELETE("/plugins/:id", s.deletePlugin)
	s.engine.POST("/generatePluginContext", s.generateContext)

	s.engine.GET("/health", s.health)
	s.engine.GET("/ready", s.ready)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// observe records request metrics
func (s *Server) observe(c *gin.Context) {
	timer := metrics.NewTimer()
	c.Next()
	timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method)
	metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // executions can run long
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) executeAction(c *gin.Context) {
	var step types.Step
	if err := c.ShouldBindJSON(&step); err != nil {
		s.fail(c, errs.New(errs.CodeInvalidInput, "api", "request body is not a valid step", errs.WithCause(err)))
		return
	}
	if step.ActionVerb == "" {
		s.fail(c, errs.New(errs.CodeInvalidInput, "api", "actionVerb is required"))
		return
	}

	outputs, err := s.manager.ExecuteAction(c.Request.Context(), &step)
	if err != nil {
		var se *errs.StructuredError
		if errors.As(err, &se) {
			// The failure is already wrapped into outputs; the status
			// comes from the structured error
			c.JSON(se.HTTPStatus, outputs)
			return
		}
		c.JSON(http.StatusInternalServerError, outputs)
		return
	}
	c.JSON(http.StatusOK, outputs)
}

func (s *Server) storePlugin(c *gin.Context) {
	var manifest types.Manifest
	if err := c.ShouldBindJSON(&manifest); err != nil {
		s.fail(c, errs.New(errs.CodeManifestInvalid, "api", "request body is not a valid manifest", errs.WithCause(err)))
		return
	}
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}

	isUpdate, err := s.manager.Registry().Store(&manifest)
	if err != nil {
		s.failErr(c, err)
		return
	}

	status := http.StatusCreated
	if isUpdate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"pluginId": manifest.ID,
		"version":  manifest.Version,
		"isUpdate": isUpdate,
	})
}

func (s *Server) listPlugins(c *gin.Context) {
	repoFilter := types.RepositoryType(c.Query("repository"))
	locators := s.manager.Registry().ListLocators(repoFilter)
	if locators == nil {
		locators = []types.PluginLocator{}
	}
	c.JSON(http.StatusOK, locators)
}

func (s *Server) getPlugin(c *gin.Context) {
	id := c.Param("id")
	version := c.Query("version")

	manifest := s.manager.Registry().FetchOne(id, version)
	if manifest == nil {
		s.fail(c, errs.Newf(errs.CodePluginNotFound, "api", "plugin not found: %s", id))
		return
	}
	c.JSON(http.StatusOK, manifest)
}

func (s *Server) deletePlugin(c *gin.Context) {
	id := c.Param("id")
	version := c.Query("version")

	if err := s.manager.Registry().Delete(id, version); err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) generateContext(c *gin.Context) {
	var req struct {
		Goal        string                   `json:"goal"`
		Constraints types.ContextConstraints `json:"constraints"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.New(errs.CodeInvalidInput, "api", "invalid context request", errs.WithCause(err)))
		return
	}

	contextText, err := s.manager.GeneratePluginContext(req.Goal, req.Constraints)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": contextText})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"initialization": s.readiness(),
	})
}

func (s *Server) ready(c *gin.Context) {
	r := s.readiness()
	if r.Ready() {
		c.JSON(http.StatusOK, gin.H{"ready": true, "checks": r})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "checks": r})
}

// fail writes a structured error with its mapped status
func (s *Server) fail(c *gin.Context, se *errs.StructuredError) {
	c.JSON(se.HTTPStatus, gin.H{"error": se})
}

// failErr coerces any error into the structured failure shape
func (s *Server) failErr(c *gin.Context, err error) {
	var se *errs.StructuredError
	if !errors.As(err, &se) {
		se = errs.New(errs.CodeInternal, "api", err.Error())
	}
	s.fail(c, se)
}

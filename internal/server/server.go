package server

import (
	"errors"
	"log/slog"
	"net/http"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/dsl"
	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/worker"
)

// Server implements the admin HTTP API.
type Server struct {
	engine *engine.Engine
	resume *worker.ResumeScheduler
	orgID  string
	logger *slog.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status int    `json:"status"`
	// Details carries compile errors when Code is COMPILE_FAILED.
	Details any `json:"details,omitempty"`
}

var ErrInvalidJSON = errors.New("invalid JSON")

// New creates a server. orgID is used when a request names none. A nil
// logger uses slog.Default().
func New(eng *engine.Engine, resume *worker.ResumeScheduler, orgID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: eng, resume: resume, orgID: orgID, logger: logger}
}

// SetupRoutes builds the router.
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	router.GET("/health", s.handleHealth)

	router.POST("/compile", s.handleCompile)
	router.POST("/validate", s.handleValidate)
	router.POST("/dsl/evaluate", s.handleEvaluate)
	router.POST("/definitions", s.handlePublish)

	inst := router.Group("/instances")
	{
		inst.POST("", s.createInstance)
		inst.GET("", s.listInstances)
		inst.GET("/:id", s.getInstance)
		inst.POST("/:id/advance", s.advanceInstance)
		inst.POST("/:id/amend", s.amendInstance)
		inst.POST("/:id/cancel", s.cancelInstance)
		inst.GET("/:id/projection", s.getProjection)
		inst.POST("/:id/edit-window", s.checkEditWindow)
	}

	router.POST("/events/:key/resume", s.resumeEvent)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) org(requested string) string {
	if requested != "" {
		return requested
	}
	return s.orgID
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:  err.Error(),
		Code:   string(engine.ErrCodeInvalidRequest),
		Status: http.StatusBadRequest,
	})
}

// bindJSON decodes the body into v, answering 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, errors.Join(ErrInvalidJSON, err))
		return false
	}
	return true
}

// writeError maps err to a status and writes it.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	var details any

	var (
		ee  *engine.EngineError
		ce  compiler.CompileErrors
		dse *dsl.EvalError
	)
	switch {
	case errors.As(err, &ce):
		status, code, details = http.StatusUnprocessableEntity, "COMPILE_FAILED", ce
	case errors.As(err, &dse):
		status, code = http.StatusBadRequest, "EXPRESSION"
	case errors.As(err, &ee):
		code = string(ee.Code)
		switch ee.Code {
		case engine.ErrCodeNotFound:
			status = http.StatusNotFound
		case engine.ErrCodeInvalidRequest:
			status = http.StatusBadRequest
		default:
			status = http.StatusConflict
		}
	case engine.IsNotFound(err):
		status, code = http.StatusNotFound, string(engine.ErrCodeNotFound)
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, Status: status, Details: details})
}

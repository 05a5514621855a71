// Package gateway exposes the VPS client to browser and service
// collaborators: a JSON submit/status API and a server-sent-events
// progress forwarder.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tonimelisma/vps-go/pkg/vps"
)

// Service is the subset of *vps.Client the gateway forwards to.
type Service interface {
	SubmitJob(ctx context.Context, processingType string, data any) (vps.Handle, error)
	GetJobStatus(ctx context.Context, jobID string) (vps.Handle, error)
	TrackProgress(ctx context.Context, jobID string, onEvent func(vps.ProgressEvent)) (*vps.Subscription, error)
	Health(ctx context.Context) error
}

// Recorder receives submissions and observed progress. *ledger.Store
// satisfies it through an adapter in the serve command.
type Recorder interface {
	Submitted(ctx context.Context, h vps.Handle, processingType string)
	Observed(ctx context.Context, ev vps.ProgressEvent)
}

// Options configures a Server.
type Options struct {
	AllowedOrigins []string // empty disables CORS handling
	Recorder       Recorder // optional
	Logger         *slog.Logger

	// HealthTimeout bounds the upstream probe on GET /health.
	HealthTimeout time.Duration
}

const (
	defaultHealthTimeout = 5 * time.Second
	shutdownTimeout      = 10 * time.Second
	eventBuffer          = 16
)

// Server routes gateway requests to a Service.
type Server struct {
	svc           Service
	recorder      Recorder
	logger        *slog.Logger
	healthTimeout time.Duration
	engine        *gin.Engine
}

// New builds the router.
func New(svc Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		svc:           svc,
		recorder:      opts.Recorder,
		logger:        logger,
		healthTimeout: opts.HealthTimeout,
	}

	if s.healthTimeout <= 0 {
		s.healthTimeout = defaultHealthTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	if len(opts.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = opts.AllowedOrigins
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"}
		corsConfig.ExposeHeaders = []string{"X-Request-ID"}
		router.Use(cors.New(corsConfig))
	}

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.POST("/jobs", s.handleSubmit)
		api.GET("/jobs/:id", s.handleStatus)
		api.GET("/jobs/:id/events", s.handleEvents)
	}

	s.engine = router

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. Open event streams end with their request contexts.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}

	s.logger.Info("gateway stopped")

	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Info("gateway request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

type submitRequest struct {
	ProcessingType string          `json:"processingType"`
	Data           json.RawMessage `json:"data"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object", "kind": kindValidation})
		return
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}

	h, err := s.svc.SubmitJob(c.Request.Context(), req.ProcessingType, data)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.recorder != nil {
		s.recorder.Submitted(c.Request.Context(), h, req.ProcessingType)
	}

	c.JSON(http.StatusAccepted, handleBody(h))
}

func (s *Server) handleStatus(c *gin.Context) {
	h, err := s.svc.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.recorder != nil {
		s.recorder.Observed(c.Request.Context(), h.Event())
	}

	c.JSON(http.StatusOK, handleBody(h))
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.healthTimeout)
	defer cancel()

	body := gin.H{"status": "ok", "upstream": "ok"}

	if err := s.svc.Health(ctx); err != nil {
		body["upstream"] = "unavailable"
		body["error"] = err.Error()
	}

	c.JSON(http.StatusOK, body)
}

// handleBody renders a handle in the service's own status shape.
func handleBody(h vps.Handle) map[string]any {
	body := make(map[string]any, len(h.Fields)+4)
	for k, v := range h.Fields {
		body[k] = v
	}

	body["jobId"] = h.JobID
	body["status"] = h.Status

	if h.Percent != nil {
		body["percent"] = *h.Percent
	}

	if h.Message != "" {
		body["message"] = h.Message
	}

	return body
}

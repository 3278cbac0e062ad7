package status

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/fleet-orchestrator/pkg/activity"
	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/governor"
	"github.com/jdziat/fleet-orchestrator/pkg/promotion"
	"github.com/jdziat/fleet-orchestrator/pkg/worker"
)

// Snapshot is the engine state reported by GET /status.
type Snapshot struct {
	Running     bool                     `json:"running"`
	Leader      bool                     `json:"leader"`
	WorkerID    string                   `json:"worker_id"`
	Workers     []worker.WorkerStatus    `json:"workers"`
	Backoff     map[string]backoff.State `json:"backoff"`
	Backend     circuit.BackendState     `json:"backend"`
	Breakers    map[string]circuit.State `json:"breakers"`
	QueueDepth  map[core.JobStatus]int64 `json:"queue_depth"`
	Concurrency Concurrency              `json:"concurrency"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// Concurrency is the governor's current headroom next to jobs in flight.
type Concurrency struct {
	Slots      governor.Slots `json:"slots"`
	HeavyInUse int            `json:"heavy_in_use"`
	LightInUse int            `json:"light_in_use"`
}

// Provider is the engine surface behind the API.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Ping(ctx context.Context) error
	ApproveLive(ctx context.Context, botID, actor string) (promotion.Decision, error)
	ReenableBot(ctx context.Context, botID string) (bool, error)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ApproveRequest is the body of POST /bots/:id/approve-live.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by" binding:"required,max=64"`
}

// DecisionResponse reports a stage transition.
type DecisionResponse struct {
	BotID  string     `json:"bot_id"`
	Action string     `json:"action"`
	From   core.Stage `json:"from"`
	To     core.Stage `json:"to"`
	Reason string     `json:"reason,omitempty"`
	Score  float64    `json:"score"`
}

// Server is the status API.
type Server struct {
	provider Provider
	gatherer prometheus.Gatherer
	hub      *activity.Hub
	token    string
	logger   *slog.Logger
	engine   *gin.Engine
}

// Option configures a Server.
type Option interface {
	applyServer(*Server)
}

type serverOptionFunc func(*Server)

func (f serverOptionFunc) applyServer(s *Server) { f(s) }

// WithGatherer sets the registry served on /metrics. Defaults to the global
// prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return serverOptionFunc(func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	})
}

// WithHub enables GET /events.
func WithHub(h *activity.Hub) Option {
	return serverOptionFunc(func(s *Server) { s.hub = h })
}

// WithToken requires "Authorization: Bearer <token>" on the /bots routes.
// An empty token leaves them open, which is only safe on a loopback address.
func WithToken(token string) Option {
	return serverOptionFunc(func(s *Server) { s.token = token })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return serverOptionFunc(func(s *Server) {
		if l != nil {
			s.logger = l
		}
	})
}

// New creates the API.
func New(p Provider, opts ...Option) *Server {
	s := &Server{
		provider: p,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt.applyServer(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	if s.hub != nil {
		r.GET("/events", s.handleEvents)
	}
	bots := r.Group("/bots/:id", s.requireToken())
	bots.POST("/approve-live", s.handleApproveLive)
	bots.POST("/reenable", s.handleReenable)
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status API: %w", err)
		}
		return nil
	}
}

// requireToken rejects requests whose bearer token does not match.
func (s *Server) requireToken() gin.HandlerFunc {
	want := []byte(s.token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			s.logger.Warn("unauthorized status request", "method", c.Request.Method, "path", c.FullPath(), "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("status request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.provider.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.provider.Snapshot(c.Request.Context())
	if err != nil {
		s.logger.Warn("status snapshot incomplete", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleApproveLive(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "approved_by is required"})
		return
	}
	d, err := s.provider.ApproveLive(c.Request.Context(), c.Param("id"), req.ApprovedBy)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, DecisionResponse{
		BotID:  d.BotID,
		Action: d.Action,
		From:   d.From,
		To:     d.To,
		Reason: d.Reason,
		Score:  d.Score,
	})
}

func (s *Server) handleReenable(c *gin.Context) {
	id := c.Param("id")
	changed, err := s.provider.ReenableBot(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": id, "reenabled": changed})
}

// handleEvents streams activity events until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e := <-ch:
			c.SSEvent(e.EventType, e)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotCanary),
		errors.Is(err, core.ErrGatesNotPassing),
		errors.Is(err, core.ErrBotKilled),
		errors.Is(err, core.ErrStageChanged):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Package api is the HTTP boundary: scan submission, reviewer actions,
// rollout operations, ledger queries and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/policygate/policygate/internal/engine"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability"
	"github.com/policygate/policygate/internal/observability/logging"
	"github.com/policygate/policygate/internal/rollout"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const component = "api"

// OpIDHeader carries the operation id in both directions
const OpIDHeader = "X-Op-Id"

// Server serves one engine
type Server struct {
	engine *engine.Engine
	log    logging.Logger
	router *gin.Engine
}

func NewServer(e *engine.Engine, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: e, log: log, router: gin.New()}
	s.router.Use(gin.Recovery(), otelgin.Middleware("policygate"), s.requestContext())
	s.routes()
	return s
}

// Handler for tests and custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/scans/:source", s.ingest)
		v1.GET("/violations", s.listViolations)

		proposals := v1.Group("/proposals")
		{
			proposals.GET("", s.listProposals)
			proposals.GET("/:id", s.getProposal)
			proposals.GET("/:id/history", s.proposalHistory)
			proposals.POST("/:id/approve", s.approve)
			proposals.POST("/:id/reject", s.reject)
			proposals.POST("/:id/cancel", s.cancel)
		}

		rollouts := v1.Group("/rollouts")
		{
			rollouts.GET("", s.listRollouts)
			rollouts.POST("", s.registerRollout)
			rollouts.GET("/:policy/:env", s.getRollout)
			rollouts.POST("/:policy/:env/promote", s.promote)
			rollouts.POST("/:policy/:env/rollback", s.rollback)
		}

		v1.GET("/ledger", s.queryLedger)
		v1.GET("/ledger/verify", s.verifyLedger)
		v1.GET("/table", s.table)
	}
}

// requestContext attaches an op id and the logger to every request
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := observability.WithGivenOpID(c.Request.Context(), c.GetHeader(OpIDHeader))
		ctx = logging.WithLogger(ctx, s.log)
		c.Request = c.Request.WithContext(ctx)
		c.Header(OpIDHeader, observability.OpID(ctx))

		c.Next()

		s.log.Debug(component, "request",
			"op_id", observability.OpID(ctx),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info(component, "listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// statusOf maps the error taxonomy onto HTTP status codes
func statusOf(err error) int {
	var nerr *models.NormalizationError
	switch {
	case errors.As(err, &nerr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrApproverRequired):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTerminal),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrExpiryViolation),
		errors.Is(err, rollout.ErrRegistered):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		logging.From(c.Request.Context()).Error(component, "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error(), "op_id": observability.OpID(c.Request.Context())})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "op_id": observability.OpID(c.Request.Context())})
}

// Package server exposes health, metrics and the latest probe outcome over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tracyhatemice/mailprobe/internal/cycle"
	"github.com/tracyhatemice/mailprobe/internal/metrics"
	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// OutcomeSource returns the most recent outcome and how many were seen.
type OutcomeSource interface {
	Last() (probe.Outcome, int)
}

// StateSource reports the position of the probe cycle.
type StateSource interface {
	State() cycle.State
}

type Server struct {
	gin      *gin.Engine
	addr     string
	outcomes OutcomeSource
	state    StateSource
	log      *zap.SugaredLogger
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State       string         `json:"state"`
	Outcomes    int            `json:"outcomes"`
	LastOutcome *probe.Outcome `json:"last_outcome,omitempty"`
}

func NewServer(addr string, log *zap.Logger, outcomes OutcomeSource, state StateSource, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	s := &Server{
		gin:      engine,
		addr:     addr,
		outcomes: outcomes,
		state:    state,
		log:      log.Sugar(),
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/status", s.status)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Status server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Infow("Status server stopped")
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{State: s.state.State().String()}
	last, n := s.outcomes.Last()
	resp.Outcomes = n
	if n > 0 {
		resp.LastOutcome = &last
	}
	c.JSON(http.StatusOK, resp)
}

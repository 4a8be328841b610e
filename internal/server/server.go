// Package server exposes the HTTP trigger for pipeline runs.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gearwatch/internal/scheduler"
)

// SecretHeader is the alternative to an Authorization bearer token.
const SecretHeader = "X-Trigger-Secret"

// Runner executes one pipeline run.
type Runner interface {
	RunOnce(ctx context.Context) (scheduler.Report, error)
}

// AuthRecorder counts rejected trigger requests.
type AuthRecorder interface {
	TriggerRejected()
}

// Config configures the HTTP server.
type Config struct {
	// Secret is the trigger credential. Empty disables authentication.
	Secret string
	// RateLimit and Burst bound trigger requests per client IP.
	RateLimit rate.Limit
	Burst     int
}

// Server serves the trigger, health and metrics endpoints.
type Server struct {
	engine  *gin.Engine
	runner  Runner
	secret  string
	metrics AuthRecorder
	log     *slog.Logger
}

// New builds the gin engine. gatherer backs /metrics; metrics may be nil.
func New(runner Runner, cfg Config, gatherer prometheus.Gatherer, metrics AuthRecorder, log *slog.Logger) *Server {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Every(time.Second)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 5
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true

	s := &Server{
		engine:  engine,
		runner:  runner,
		secret:  cfg.Secret,
		metrics: metrics,
		log:     log,
	}
	if s.secret == "" {
		log.Warn("TRIGGER_SECRET is empty, trigger endpoint is unauthenticated")
	}

	s.engine.Use(gin.Recovery(), s.requestLog())

	trigger := s.engine.Group("/api", rateLimit(cfg.RateLimit, cfg.Burst), s.authenticate())
	trigger.POST("/notify", s.handleNotify)

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) handleNotify(c *gin.Context) {
	report, err := s.runner.RunOnce(c.Request.Context())
	switch {
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"state": scheduler.Failed.String()})
	case report.State == scheduler.TooEarly:
		c.JSON(http.StatusTooEarly, gin.H{"state": report.State.String()})
	default:
		c.JSON(http.StatusOK, gin.H{"state": report.State.String()})
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.secret == "" {
			c.Next()
			return
		}
		got := credential(c.Request)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			s.log.Warn("trigger rejected", "client_ip", c.ClientIP())
			if s.metrics != nil {
				s.metrics.TriggerRejected()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func credential(r *http.Request) string {
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return r.Header.Get(SecretHeader)
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func rateLimit(limit rate.Limit, burst int) gin.HandlerFunc {
	clients := make(map[string]*clientLimiter)
	var mu sync.Mutex

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{limiter: rate.NewLimiter(limit, burst)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		allowed := cl.limiter.Allow()
		for k, v := range clients {
			if now.Sub(v.lastSeen) > 30*time.Minute {
				delete(clients, k)
			}
		}
		mu.Unlock()

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Package api serves the local control API used by the device UI: status,
// manual sync, mode override, chat and pause gating, location and
// permission retries, and the suggestion timeline.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/engine"
	"github.com/shelterlink/device-agent/internal/location"
	"github.com/shelterlink/device-agent/internal/permission"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/storage"
	"github.com/shelterlink/device-agent/internal/suggestion"
)

var log = logrus.WithField("component", "api")

// Config holds API server configuration
type Config struct {
	Listen          string
	EnableDebug     bool // expose /debug triggers
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default API configuration
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:8765",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Controller is the engine surface the API drives.
type Controller interface {
	Status(ctx context.Context) engine.Status
	LanguageCode() string
	SyncNow(ctx context.Context) error
	SetMode(m protocol.Mode, reason string) (bool, error)
	UpdateIntervals(normalMinutes, emergencyMinutes int) error
	SetEmergencyContacts(n int) error
	SetLanguage(code string) error
	SetChatActive(active bool)
	SetPaused(paused bool)
	RefreshLocation(ctx context.Context) (*location.Fix, error)
	RequestPermission(ctx context.Context, capability string) (permission.Status, error)
	Suggestions(ctx context.Context, limit int) ([]*suggestion.Suggestion, error)
	Acknowledge(ctx context.Context, suggestionType string) error
	ResetHistory(ctx context.Context) error
	RecentSyncs(ctx context.Context, limit int) ([]*storage.SyncRecord, error)
	DebugResetMode(ctx context.Context) (engine.Outcome, error)
	DebugInjectAlert(ctx context.Context, alertType string) (engine.Outcome, error)
	ServeTimeline(w http.ResponseWriter, r *http.Request) error
}

// Server is the local control API server
type Server struct {
	config Config
	ctrl   Controller
	router *gin.Engine
}

// New creates the server and registers its routes
func New(config Config, ctrl Controller) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{config: config, ctrl: ctrl, router: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.GET("/status", s.getStatus)
	r.POST("/sync", s.postSync)
	r.GET("/syncs", s.getSyncs)
	r.POST("/mode", s.postMode)
	r.PUT("/settings", s.putSettings)
	r.POST("/chat", s.postChat)
	r.POST("/pause", s.postPause)
	r.POST("/location/refresh", s.postLocationRefresh)
	r.POST("/permissions/request", s.postPermissionRequest)
	r.GET("/ws", s.getTimelineSocket)

	suggestions := r.Group("/suggestions")
	{
		suggestions.GET("", s.getSuggestions)
		suggestions.POST("/ack", s.postAcknowledge)
		suggestions.POST("/reset", s.postReset)
	}

	if s.config.EnableDebug {
		debug := r.Group("/debug")
		{
			debug.POST("/reset-mode", s.postDebugResetMode)
			debug.POST("/test-alert", s.postDebugTestAlert)
		}
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", s.config.Listen).Info("Control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("Control API stopped")
	return nil
}

// requestLogger logs each request with a correlation id
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
		})
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request handled")
		}
	}
}

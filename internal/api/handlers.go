package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shelterlink/device-agent/internal/heartbeat"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
)

// Response is the envelope of every JSON reply
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func reject(c *gin.Context, status int, message string) {
	c.JSON(status, Response{
		Success:   false,
		Error:     message,
		Timestamp: time.Now(),
	})
}

// fail maps an engine error to a status code. Location failures carry the
// localized user message instead of the raw cause.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, syncerr.ErrRateLimited):
		reject(c, http.StatusTooManyRequests, "too many requests, retry shortly")
	case errors.Is(err, syncerr.ErrInFlight):
		reject(c, http.StatusConflict, "already in progress")
	case errors.Is(err, heartbeat.ErrNotRunning):
		reject(c, http.StatusServiceUnavailable, "sync engine not running")
	case syncerr.Is(err, syncerr.LocationUnavailable):
		reject(c, http.StatusServiceUnavailable, syncerr.UserMessage(syncerr.ReasonOf(err), s.ctrl.LanguageCode()))
	case syncerr.Is(err, syncerr.NetworkFailure):
		reject(c, http.StatusBadGateway, "backend unreachable")
	default:
		log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		reject(c, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) getStatus(c *gin.Context) {
	ok(c, "", s.ctrl.Status(c.Request.Context()))
}

func (s *Server) postSync(c *gin.Context) {
	if err := s.ctrl.SyncNow(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "Heartbeat sent", nil)
}

func (s *Server) getSyncs(c *gin.Context) {
	limit, err := queryLimit(c, 20)
	if err != nil {
		reject(c, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.ctrl.RecentSyncs(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "", records)
}

type modeRequest struct {
	Mode   string `json:"mode" binding:"required,oneof=normal emergency"`
	Reason string `json:"reason" binding:"max=200"`
}

func (s *Server) postMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "mode must be normal or emergency")
		return
	}
	m, _ := protocol.ParseMode(req.Mode)
	changed, err := s.ctrl.SetMode(m, req.Reason)
	if err != nil && !changed {
		s.fail(c, err)
		return
	}
	if err != nil {
		log.WithError(err).Warn("Mode changed but not persisted")
	}
	ok(c, "", gin.H{"mode": m, "changed": changed})
}

type settingsRequest struct {
	NormalIntervalMinutes    *int    `json:"normal_interval_minutes" binding:"omitempty,min=1,max=1440"`
	EmergencyIntervalMinutes *int    `json:"emergency_interval_minutes" binding:"omitempty,min=1,max=1440"`
	EmergencyContactsCount   *int    `json:"emergency_contacts_count" binding:"omitempty,min=0"`
	LanguageCode             *string `json:"language_code" binding:"omitempty,min=2,max=8"`
}

func (s *Server) putSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "invalid settings")
		return
	}

	if req.NormalIntervalMinutes != nil || req.EmergencyIntervalMinutes != nil {
		current := s.ctrl.Status(c.Request.Context()).Mode
		normal, emergency := current.NormalIntervalMinutes, current.EmergencyIntervalMinutes
		if req.NormalIntervalMinutes != nil {
			normal = *req.NormalIntervalMinutes
		}
		if req.EmergencyIntervalMinutes != nil {
			emergency = *req.EmergencyIntervalMinutes
		}
		if err := s.ctrl.UpdateIntervals(normal, emergency); err != nil {
			s.fail(c, err)
			return
		}
	}
	if req.EmergencyContactsCount != nil {
		if err := s.ctrl.SetEmergencyContacts(*req.EmergencyContactsCount); err != nil {
			s.fail(c, err)
			return
		}
	}
	if req.LanguageCode != nil {
		if err := s.ctrl.SetLanguage(*req.LanguageCode); err != nil {
			s.fail(c, err)
			return
		}
	}
	ok(c, "Settings saved", nil)
}

type toggleRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) postChat(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "active is required")
		return
	}
	s.ctrl.SetChatActive(*req.Active)
	ok(c, "", gin.H{"chat_active": *req.Active})
}

func (s *Server) postPause(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "active is required")
		return
	}
	s.ctrl.SetPaused(*req.Active)
	ok(c, "", gin.H{"paused": *req.Active})
}

func (s *Server) postLocationRefresh(c *gin.Context) {
	fix, err := s.ctrl.RefreshLocation(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "", fix)
}

type permissionRequest struct {
	Capability string `json:"capability" binding:"required,oneof=location notifications"`
}

func (s *Server) postPermissionRequest(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "capability must be location or notifications")
		return
	}
	status, err := s.ctrl.RequestPermission(c.Request.Context(), req.Capability)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "", status)
}

func (s *Server) getSuggestions(c *gin.Context) {
	limit, err := queryLimit(c, 0)
	if err != nil {
		reject(c, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.ctrl.Suggestions(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "", list)
}

type acknowledgeRequest struct {
	Type string `json:"type" binding:"required"`
}

func (s *Server) postAcknowledge(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "type is required")
		return
	}
	if err := s.ctrl.Acknowledge(c.Request.Context(), req.Type); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "Acknowledged", nil)
}

func (s *Server) postReset(c *gin.Context) {
	if err := s.ctrl.ResetHistory(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "Suggestion history reset", nil)
}

func (s *Server) getTimelineSocket(c *gin.Context) {
	if err := s.ctrl.ServeTimeline(c.Writer, c.Request); err != nil {
		log.WithError(err).Warn("Timeline websocket upgrade failed")
	}
}

func (s *Server) postDebugResetMode(c *gin.Context) {
	out, err := s.ctrl.DebugResetMode(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "", out)
}

type alertRequest struct {
	AlertType string `json:"alert_type" binding:"required"`
}

func (s *Server) postDebugTestAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "alert_type is required")
		return
	}
	out, err := s.ctrl.DebugInjectAlert(c.Request.Context(), req.AlertType)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, "", out)
}

func queryLimit(c *gin.Context, fallback int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

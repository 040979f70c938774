package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/queue"
)

func tokenResponse(tokens auth.TokenPair) gin.H {
	return gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	}
}

func (s *server) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := s.Signer.Issue(req.DeviceID, auth.RoleDevice)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if claims, ok := auth.ClaimsFrom(c); ok {
		log.Printf("device %s registered by %s", req.DeviceID, claims.Subject)
	}
	c.JSON(http.StatusCreated, tokenResponse(tokens))
}

func (s *server) refreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := s.Signer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse(tokens))
}

func (s *server) postCapture(c *gin.Context) {
	var req struct {
		EnrollmentCode string    `json:"enrollment_code" binding:"required"`
		CapturedAt     time.Time `json:"captured_at"`
		Confidence     *float64  `json:"confidence" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	capt := queue.Capture{
		EnrollmentCode: req.EnrollmentCode,
		CapturedAt:     req.CapturedAt.UTC(),
		Confidence:     *req.Confidence,
		DeviceID:       claims.Subject,
	}
	if err := capt.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := queue.NewCaptureMessage(capt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.Queue.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("queue publish failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "device_id": capt.DeviceID})
}

func (s *server) syncLogs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	var reader CycleLogReader
	switch source := c.DefaultQuery("source", "local"); source {
	case "local":
		reader = s.Local
	case "central":
		if s.Central == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "central store not configured"})
			return
		}
		reader = s.Central
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be local or central"})
		return
	}

	logs, err := reader.RecentCycleLogs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []attendance.CycleLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *server) eventSummary(c *gin.Context) {
	counts, err := s.Local.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"events": counts}
	if s.Queue != nil {
		if depth, err := s.Queue.Len(c.Request.Context()); err == nil {
			resp["capture_queue_depth"] = depth
		} else {
			log.Printf("queue length: %v", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

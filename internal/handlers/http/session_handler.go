package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	apperrors "mediagate/pkg/errors"
	"mediagate/pkg/validation"
)

// SessionHandler exposes read-only views of the session registry.
type SessionHandler struct {
	sessions ports.SessionService
}

func NewSessionHandler(sessions ports.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/capabilities", h.GetCapabilities)
	}
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}

	snapshot, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		_ = c.Error(mapError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": snapshot})
}

// GetCapabilities returns the router RTP capabilities of a live session.
func (h *SessionHandler) GetCapabilities(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}

	caps, err := h.sessions.GetRtpCapabilities(c.Request.Context(), sessionID)
	if err != nil {
		_ = c.Error(mapError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"rtpCapabilities": caps})
}

func (h *SessionHandler) sessionID(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error()))
		return "", false
	}
	return domain.SessionID(id), true
}

func mapError(err error) error {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "session not found")
	case errors.Is(err, domain.ErrEngineUnavailable):
		return apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, err.Error())
	}
	return err
}

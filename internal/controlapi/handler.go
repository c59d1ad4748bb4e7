// Package controlapi exposes the agent's local HTTP surface. The UI shell
// drives tracking, breaks and reactions through these routes; the agent owns
// all state and talks to the remote backends itself.
package controlapi

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meetingpro/agent/internal/attendance"
	"github.com/meetingpro/agent/internal/auth"
	"github.com/meetingpro/agent/internal/middleware"
	"github.com/meetingpro/agent/internal/models"
	"github.com/meetingpro/agent/internal/reactions"
	"github.com/meetingpro/agent/pkg/response"
)

// Handler wires the tracker and reaction manager to gin routes.
type Handler struct {
	tracker   *attendance.Tracker
	reactions *reactions.Manager
	logger    *zap.Logger
}

// NewHandler creates a control API handler.
func NewHandler(tracker *attendance.Tracker, mgr *reactions.Manager, logger *zap.Logger) *Handler {
	return &Handler{tracker: tracker, reactions: mgr, logger: logger}
}

// RegisterRoutes mounts all control routes on the router. Everything except
// the health check requires a valid meeting token.
func (h *Handler) RegisterRoutes(r *gin.Engine, verifier *auth.Verifier) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	api.Use(middleware.JWT(verifier))
	{
		tracking := api.Group("/tracking")
		{
			tracking.POST("/start", h.StartTracking)
			tracking.POST("/stop", h.StopTracking)
			tracking.POST("/detect", h.Detect)
			tracking.GET("/status", h.Status)
		}

		breaks := api.Group("/breaks")
		{
			breaks.POST("/take", h.TakeBreak)
			breaks.POST("/pause", h.PauseBreak)
			breaks.POST("/resume", h.ResumeBreak)
			breaks.POST("/end", h.EndBreak)
		}

		api.POST("/reactions", h.SendReaction)
		api.POST("/reactions/clear-all", middleware.RequireRole(models.RoleHost), h.ClearReactions)
		api.GET("/reactions/active", h.ActiveReactions)
		api.GET("/reactions/counts", h.ReactionCounts)
		api.GET("/reactions/history", h.ReactionHistory)
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

type startTrackingRequest struct {
	MeetingID string `json:"meeting_id" binding:"required"`
}

// StartTracking begins a tracking session for the authenticated user.
func (h *Handler) StartTracking(c *gin.Context) {
	var req startTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "meeting_id is required")
		return
	}

	started, err := h.tracker.StartTracking(c.Request.Context(), attendance.StartOptions{
		MeetingID: req.MeetingID,
		UserID:    c.GetString(middleware.ContextUserID),
		UserName:  c.GetString(middleware.ContextUserName),
		Role:      roleFromContext(c),
	})
	if err != nil {
		h.trackingError(c, err)
		return
	}
	response.OK(c, gin.H{"started": started})
}

// StopTracking ends the tracking session. Local state is reset even when the
// remote stop fails; the failure is still reported.
func (h *Handler) StopTracking(c *gin.Context) {
	stopped, err := h.tracker.StopTracking(c.Request.Context())
	if err != nil {
		h.trackingError(c, err)
		return
	}
	response.OK(c, gin.H{"stopped": stopped})
}

type detectRequest struct {
	Frame string `json:"frame" binding:"required"`
}

// Detect runs one detection cycle on a captured frame.
func (h *Handler) Detect(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "frame is required")
		return
	}

	result, err := h.tracker.DetectViolations(c.Request.Context(), req.Frame)
	if err != nil {
		h.trackingError(c, err)
		return
	}
	response.OK(c, result)
}

// Status returns the tracker state, refreshed from the backend unless the
// throttle window is still open. ?force=true bypasses the throttle.
func (h *Handler) Status(c *gin.Context) {
	force := c.Query("force") == "true"
	result, err := h.tracker.GetStatus(c.Request.Context(), force)
	if err != nil {
		h.trackingError(c, err)
		return
	}
	response.OK(c, result)
}

// TakeBreak starts the participant's break.
func (h *Handler) TakeBreak(c *gin.Context) {
	h.breakTransition(c, h.tracker.TakeBreak)
}

// PauseBreak pauses a running break.
func (h *Handler) PauseBreak(c *gin.Context) {
	h.breakTransition(c, h.tracker.PauseBreak)
}

// ResumeBreak resumes a paused break.
func (h *Handler) ResumeBreak(c *gin.Context) {
	h.breakTransition(c, h.tracker.ResumeBreak)
}

// EndBreak ends the break early.
func (h *Handler) EndBreak(c *gin.Context) {
	h.breakTransition(c, h.tracker.EndBreak)
}

type sendReactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

// SendReaction sends the authenticated user's emoji reaction.
func (h *Handler) SendReaction(c *gin.Context) {
	var req sendReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "emoji is required")
		return
	}

	sent, err := h.reactions.SendReaction(c.Request.Context(), req.Emoji)
	if err != nil {
		h.reactionError(c, err)
		return
	}
	response.OK(c, gin.H{"sent": sent})
}

// ClearReactions wipes all reactions for the meeting. Host only.
func (h *Handler) ClearReactions(c *gin.Context) {
	cleared, err := h.reactions.ClearAll(c.Request.Context())
	if err != nil {
		h.reactionError(c, err)
		return
	}
	response.OK(c, gin.H{"cleared": cleared})
}

// ActiveReactions lists the currently displayed reactions.
func (h *Handler) ActiveReactions(c *gin.Context) {
	response.OK(c, gin.H{"reactions": h.reactions.Active()})
}

// ReactionCounts returns the last known per-emoji totals.
func (h *Handler) ReactionCounts(c *gin.Context) {
	response.OK(c, gin.H{"counts": h.reactions.Counts()})
}

// ReactionHistory returns the bounded recent-reaction log.
func (h *Handler) ReactionHistory(c *gin.Context) {
	response.OK(c, gin.H{"reactions": h.reactions.History()})
}

func (h *Handler) breakTransition(c *gin.Context, fn func(ctx context.Context) (bool, error)) {
	ok, err := fn(c.Request.Context())
	if err != nil {
		h.trackingError(c, err)
		return
	}
	response.OK(c, gin.H{"ok": ok})
}

func (h *Handler) trackingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrMissingIdentity):
		response.BadRequest(c, err.Error())
	case errors.Is(err, attendance.ErrNotTracking):
		response.Conflict(c, err.Error())
	case errors.Is(err, attendance.ErrBreakUnavailable):
		response.Conflict(c, err.Error())
	case errors.Is(err, attendance.ErrSessionClosed):
		response.Gone(c, err.Error())
	case errors.Is(err, attendance.ErrStaleResponse):
		response.Conflict(c, err.Error())
	default:
		h.logger.Error("attendance backend error", zap.Error(err))
		response.BadGateway(c, "attendance backend unavailable")
	}
}

func (h *Handler) reactionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reactions.ErrInvalidEmoji):
		response.BadRequest(c, err.Error())
	case errors.Is(err, reactions.ErrRateLimited):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, reactions.ErrDisabled), errors.Is(err, reactions.ErrNotConnected):
		response.Conflict(c, err.Error())
	case errors.Is(err, reactions.ErrNotHost):
		response.Forbidden(c, err.Error())
	default:
		h.logger.Error("reactions backend error", zap.Error(err))
		response.BadGateway(c, "reactions backend unavailable")
	}
}

func roleFromContext(c *gin.Context) models.Role {
	if v, ok := c.Get(middleware.ContextRole); ok {
		if role, ok := v.(models.Role); ok {
			return role
		}
	}
	return models.RoleParticipant
}

package handlers

import (
	"net/http"
	"strings"

	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	"icfesprep/internal/services"
	contextutils "icfesprep/internal/utils"

	"github.com/gin-gonic/gin"
)

// StartSessionRequest is the body of POST /v1/sessions
type StartSessionRequest struct {
	UserID      string             `json:"user_id" binding:"required,max=128"`
	SubjectArea models.SubjectArea `json:"subject_area" binding:"required"`
}

// StartSessionResponse is returned when a session opens
type StartSessionResponse struct {
	SessionID         string                   `json:"session_id"`
	Status            models.SessionStatus     `json:"status"`
	TerminationReason models.TerminationReason `json:"termination_reason,omitempty"`
	FirstItem         *models.ServedItem       `json:"first_item"`
}

// SubmitAnswerRequest is the body of POST /v1/sessions/:id/answers
type SubmitAnswerRequest struct {
	ItemID         int    `json:"item_id" binding:"required,min=1"`
	SelectedAnswer string `json:"selected_answer" binding:"required"`
}

// SessionHandler serves the student-facing adaptive test endpoints
type SessionHandler struct {
	sessionService services.AdaptiveSessionServiceInterface
	logger         *observability.Logger
}

// NewSessionHandler creates a new SessionHandler instance
func NewSessionHandler(sessionService services.AdaptiveSessionServiceInterface, logger *observability.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		logger:         logger,
	}
}

// StartSession handles POST /v1/sessions
func (h *SessionHandler) StartSession(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "start_session")
	defer observability.FinishSpan(span, nil)

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn(ctx, "Invalid start session request format", map[string]interface{}{
			"error": err.Error(),
		})
		HandleAppError(c, contextutils.WrapError(contextutils.ErrInvalidInput, err.Error()))
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	c.Set(observability.ContextKeyUserID, req.UserID)
	span.SetAttributes(
		observability.AttributeUserID(req.UserID),
		observability.AttributeSubject(string(req.SubjectArea)),
	)

	res, err := h.sessionService.StartSession(ctx, req.UserID, req.SubjectArea)
	if err != nil {
		h.logger.Error(ctx, "Failed to start session", err, map[string]interface{}{
			"user_id":      req.UserID,
			"subject_area": req.SubjectArea,
		})
		HandleAppError(c, err)
		return
	}

	span.SetAttributes(observability.AttributeSessionID(res.Session.ID))
	c.JSON(http.StatusCreated, StartSessionResponse{
		SessionID:         res.Session.ID,
		Status:            res.Session.Status,
		TerminationReason: res.Session.TerminationReason,
		FirstItem:         res.FirstItem,
	})
}

// SubmitAnswer handles POST /v1/sessions/:id/answers
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "submit_answer")
	defer observability.FinishSpan(span, nil)

	sessionID := c.Param("id")
	span.SetAttributes(observability.AttributeSessionID(sessionID))

	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn(ctx, "Invalid submit answer request format", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		HandleAppError(c, contextutils.WrapError(contextutils.ErrInvalidInput, err.Error()))
		return
	}
	span.SetAttributes(observability.AttributeItemID(req.ItemID))

	res, err := h.sessionService.SubmitAnswer(ctx, sessionID, req.ItemID, req.SelectedAnswer)
	if err != nil {
		h.logger.Warn(ctx, "Answer rejected", map[string]interface{}{
			"session_id": sessionID,
			"item_id":    req.ItemID,
			"error":      err.Error(),
		})
		HandleAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// AbandonSession handles POST /v1/sessions/:id/abandon
func (h *SessionHandler) AbandonSession(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "abandon_session")
	defer observability.FinishSpan(span, nil)

	sessionID := c.Param("id")
	span.SetAttributes(observability.AttributeSessionID(sessionID))

	session, err := h.sessionService.AbandonSession(ctx, sessionID)
	if err != nil {
		h.logger.Warn(ctx, "Failed to abandon session", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		HandleAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// GetSession handles GET /v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_session")
	defer observability.FinishSpan(span, nil)

	session, err := h.sessionService.GetSession(ctx, c.Param("id"))
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetSessionResponses handles GET /v1/sessions/:id/responses
func (h *SessionHandler) GetSessionResponses(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_session_responses")
	defer observability.FinishSpan(span, nil)

	sessionID := c.Param("id")
	events, err := h.sessionService.GetSessionResponses(ctx, sessionID)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if events == nil {
		events = []*models.ResponseEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"responses":  events,
	})
}

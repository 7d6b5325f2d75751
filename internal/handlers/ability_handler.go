package handlers

import (
	"net/http"

	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	"icfesprep/internal/services"

	"github.com/gin-gonic/gin"
)

// AbilityHandler exposes per-student ability estimates
type AbilityHandler struct {
	sessionService services.AdaptiveSessionServiceInterface
	logger         *observability.Logger
}

// NewAbilityHandler creates a new AbilityHandler instance
func NewAbilityHandler(sessionService services.AdaptiveSessionServiceInterface, logger *observability.Logger) *AbilityHandler {
	return &AbilityHandler{
		sessionService: sessionService,
		logger:         logger,
	}
}

// GetAbility handles GET /v1/users/:userId/abilities/:subject
func (h *AbilityHandler) GetAbility(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_ability")
	defer observability.FinishSpan(span, nil)

	userID := c.Param("userId")
	subject := models.SubjectArea(c.Param("subject"))
	c.Set(observability.ContextKeyUserID, userID)
	span.SetAttributes(
		observability.AttributeUserID(userID),
		observability.AttributeSubject(string(subject)),
	)

	report, err := h.sessionService.GetAbilityReport(ctx, userID, subject)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetAbilityProfile handles GET /v1/users/:userId/abilities
func (h *AbilityHandler) GetAbilityProfile(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_ability_profile")
	defer observability.FinishSpan(span, nil)

	userID := c.Param("userId")
	c.Set(observability.ContextKeyUserID, userID)
	span.SetAttributes(observability.AttributeUserID(userID))

	profile, err := h.sessionService.GetAbilityProfile(ctx, userID)
	if err != nil {
		h.logger.Error(ctx, "Failed to build ability profile", err, map[string]interface{}{
			"user_id": userID,
		})
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":   userID,
		"abilities": profile,
	})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/middleware"
	"github.com/nexus-run/orchestrator/internal/repository"
	"go.uber.org/zap"
)

// UserHandler handles the caller's own profile.
type UserHandler struct {
	repo   repository.UserRepository
	logger *zap.Logger
}

func NewUserHandler(repo repository.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, logger: logger}
}

// GetMe handles GET /v1/users/me.
func (h *UserHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)

	user, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("get user", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("get_user_failed", "failed to get user", err))
		return
	}
	// A user absent from the DB despite a valid access token is a data
	// consistency bug, not a client error, but 404 is still the right
	// signal to the caller.
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, user)
}

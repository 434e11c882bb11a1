package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/repository"
)

// PromptHandler manages a tenant's versioned prompt artefacts.
type PromptHandler struct {
	tenants repository.TenantRepository
	prompts repository.PromptRepository
	logger  *zap.Logger
}

func NewPromptHandler(tenants repository.TenantRepository, prompts repository.PromptRepository, logger *zap.Logger) *PromptHandler {
	return &PromptHandler{tenants: tenants, prompts: prompts, logger: logger}
}

type promptResponse struct {
	Name     string `json:"name"`
	Revision int    `json:"revision"`
	Content  string `json:"content"`
}

// List handles GET /v1/tenants/{id}/prompts.
func (h *PromptHandler) List(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	revisions, err := h.prompts.ListActive(c.Request.Context(), tenant.ID)
	if err != nil {
		h.logger.Error("list active prompts", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("prompt_list_failed", "failed to load prompts", err))
		return
	}
	out := make([]promptResponse, 0, len(revisions))
	for _, rev := range revisions {
		out = append(out, promptResponse{Name: rev.Name, Revision: rev.Revision, Content: rev.Content})
	}
	c.JSON(http.StatusOK, out)
}

type promptPutRequest struct {
	Content string `json:"content"`
}

// Put handles PUT /v1/tenants/{id}/prompts/{name}, appending a new active
// revision. Prior revisions are retained for history but are no longer
// active, mirroring the config-revision pattern.
func (h *PromptHandler) Put(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	name := c.Param("name")
	var req promptPutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, apierr.NewValidation("invalid_request", err.Error()))
		return
	}
	rev, err := h.prompts.CreateRevision(c.Request.Context(), tenant.ID, name, req.Content)
	if err != nil {
		h.logger.Error("create prompt revision", zap.String("name", name), zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("prompt_update_failed", "failed to update prompt", err))
		return
	}
	c.JSON(http.StatusOK, promptResponse{Name: rev.Name, Revision: rev.Revision, Content: rev.Content})
}

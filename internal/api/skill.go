package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/repository"
)

// SkillHandler manages a tenant's versioned skill artefacts, identical in
// shape to PromptHandler — skills and prompts share the same revisioning
// rules, just a different name for the identifier.
type SkillHandler struct {
	tenants repository.TenantRepository
	skills  repository.SkillRepository
	logger  *zap.Logger
}

func NewSkillHandler(tenants repository.TenantRepository, skills repository.SkillRepository, logger *zap.Logger) *SkillHandler {
	return &SkillHandler{tenants: tenants, skills: skills, logger: logger}
}

type skillResponse struct {
	SkillID  string `json:"skill_id"`
	Revision int    `json:"revision"`
	Content  string `json:"content"`
}

// List handles GET /v1/tenants/{id}/skills.
func (h *SkillHandler) List(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	revisions, err := h.skills.ListActive(c.Request.Context(), tenant.ID)
	if err != nil {
		h.logger.Error("list active skills", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("skill_list_failed", "failed to load skills", err))
		return
	}
	out := make([]skillResponse, 0, len(revisions))
	for _, rev := range revisions {
		out = append(out, skillResponse{SkillID: rev.SkillID, Revision: rev.Revision, Content: rev.Content})
	}
	c.JSON(http.StatusOK, out)
}

type skillPutRequest struct {
	Content string `json:"content"`
}

// Put handles PUT /v1/tenants/{id}/skills/{skill_id}, appending a new
// active revision. Prior revisions are retained for audit but no longer
// active.
func (h *SkillHandler) Put(c *gin.Context) {
	tenant := ownedTenant(c, h.tenants, h.logger)
	if tenant == nil {
		return
	}
	skillID := c.Param("skill_id")
	var req skillPutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, apierr.NewValidation("invalid_request", err.Error()))
		return
	}
	rev, err := h.skills.CreateRevision(c.Request.Context(), tenant.ID, skillID, req.Content)
	if err != nil {
		h.logger.Error("create skill revision", zap.String("skill_id", skillID), zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("skill_update_failed", "failed to update skill", err))
		return
	}
	c.JSON(http.StatusOK, skillResponse{SkillID: rev.SkillID, Revision: rev.Revision, Content: rev.Content})
}

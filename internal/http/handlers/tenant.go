package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/http/response"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

// TenantBinder is the slice of the tenant resolver this handler needs.
type TenantBinder interface {
	Bind(ctx context.Context, installationID string, tenantID uuid.UUID) error
}

// TenantHandler manages installation→tenant bindings, the mapping SubmitRun
// uses when callers send an installation_id instead of a tenant_id.
type TenantHandler struct {
	log    *logger.Logger
	binder TenantBinder
}

func NewTenantHandler(log *logger.Logger, binder TenantBinder) *TenantHandler {
	return &TenantHandler{
		log:    log.With("handler", "TenantHandler"),
		binder: binder,
	}
}

type bindTenantRequest struct {
	InstallationID string `json:"installation_id" binding:"required"`
}

// PUT /api/tenants/:id/binding
func (h *TenantHandler) BindInstallation(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_tenant_id", err)
		return
	}
	var req bindTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_bind_request", err)
		return
	}
	if err := h.binder.Bind(c.Request.Context(), req.InstallationID, tenantID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, apperrors.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		response.RespondError(c, status, "bind_tenant_failed", err)
		return
	}
	h.log.Info("Tenant binding upserted", "tenant_id", tenantID, "installation_id", req.InstallationID)
	response.RespondOK(c, gin.H{
		"tenant_id":       tenantID,
		"installation_id": req.InstallationID,
	})
}

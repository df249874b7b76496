package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/data/repos/runs"
	"github.com/yungbote/taskmesh-backend/internal/http/response"
	"github.com/yungbote/taskmesh-backend/internal/jobs/queue"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
	"github.com/yungbote/taskmesh-backend/internal/services"
)

// RunHandler is the ops surface over runs: submit, inspect, cancel.
// Execution itself stays in the worker pool; submission here is just
// "enqueue a message and let the reliability core take it from there".
type RunHandler struct {
	log      *logger.Logger
	runs     runs.RunRepo
	queue    queue.Queue
	resolver *services.TenantResolver
}

func NewRunHandler(log *logger.Logger, runRepo runs.RunRepo, q queue.Queue, resolver *services.TenantResolver) *RunHandler {
	return &RunHandler{
		log:      log.With("handler", "RunHandler"),
		runs:     runRepo,
		queue:    q,
		resolver: resolver,
	}
}

type submitRunRequest struct {
	TenantID       string          `json:"tenant_id"`
	InstallationID string          `json:"installation_id"`
	RunType        string          `json:"run_type" binding:"required"`
	StepCount      int             `json:"step_count" binding:"required,min=1"`
	Payload        json.RawMessage `json:"payload"`
}

// POST /api/runs
// The Idempotency-Key header (typically the upstream delivery id) makes
// retries of this call safe end to end; without one a fresh key is minted
// and the call is not retry-safe.
func (h *RunHandler) SubmitRun(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_submit_request", err)
		return
	}

	tenantID, err := h.resolveTenant(c, req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, apperrors.ErrNotFound) {
			status = http.StatusNotFound
		}
		response.RespondError(c, status, "tenant_resolution_failed", err)
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = "submit:" + uuid.NewString()
	}

	payload := []byte(req.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	sum := sha256.Sum256(payload)

	msg := queue.Message{
		IdempotencyKey: key,
		RunID:          uuid.New(),
		TenantID:       tenantID,
		RunType:        req.RunType,
		StepCount:      req.StepCount,
		PayloadHash:    hex.EncodeToString(sum[:]),
		Payload:        payload,
	}
	if err := h.queue.Enqueue(c.Request.Context(), msg); err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "enqueue_failed", err)
		return
	}
	h.log.Info("Run submitted", "run_id", msg.RunID, "run_type", msg.RunType, "idempotency_key", key)
	response.RespondAccepted(c, gin.H{
		"run_id":          msg.RunID,
		"idempotency_key": key,
	})
}

func (h *RunHandler) resolveTenant(c *gin.Context, req submitRunRequest) (uuid.UUID, error) {
	if req.InstallationID != "" && h.resolver != nil {
		return h.resolver.Resolve(c.Request.Context(), req.InstallationID)
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tenant_id or installation_id required: %w", apperrors.ErrInvalidArgument)
	}
	return tenantID, nil
}

// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := h.runs.GetByID(dbctx.Context{Ctx: c.Request.Context()}, runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, apperrors.ErrNotFound) {
			status = http.StatusNotFound
		}
		response.RespondError(c, status, "run_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

// GET /api/tenants/:id/runs?limit=n
func (h *RunHandler) ListTenantRuns(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_tenant_id", err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	out, err := h.runs.ListRecentByTenant(dbctx.Context{Ctx: c.Request.Context()}, tenantID, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_runs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"runs": out})
}

// POST /api/runs/:id/cancel
// Cancellation is cooperative: this flips the flag, the worker honors it at
// the next step boundary.
func (h *RunHandler) CancelRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	ok, err := h.runs.RequestCancel(dbc, runID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "cancel_run_failed", err)
		return
	}
	if !ok {
		run, getErr := h.runs.GetByID(dbc, runID)
		if getErr != nil {
			response.RespondError(c, http.StatusNotFound, "run_not_found", getErr)
			return
		}
		response.RespondError(c, http.StatusConflict, "run_not_cancellable",
			fmt.Errorf("run is %s", run.Status))
		return
	}
	h.log.Info("Run cancel requested", "run_id", runID)
	response.RespondOK(c, gin.H{"run_id": runID, "cancel_requested": true})
}

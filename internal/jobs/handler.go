package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inaiurai/creditcore/internal/identity"
	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/models"
	"github.com/inaiurai/creditcore/internal/pricing"
	"github.com/inaiurai/creditcore/internal/provider"
)

// Pricer resolves the cost charged for a job kind.
type Pricer interface {
	Cost(ctx context.Context, kind string) (int64, error)
}

type Handler struct {
	orch   *Orchestrator
	prices Pricer
	log    *slog.Logger
}

func NewHandler(orch *Orchestrator, prices Pricer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{orch: orch, prices: prices, log: log}
}

type createJobRequest struct {
	Kind    string          `json:"kind" binding:"required"`
	Request json.RawMessage `json:"request"`
}

// Create handles POST /v1/jobs.
func (h *Handler) Create(c *gin.Context) {
	userID, ok := identity.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind is required"})
		return
	}
	ctx := c.Request.Context()

	cost, err := h.prices.Cost(ctx, req.Kind)
	if err != nil {
		h.writeError(c, err)
		return
	}
	job, err := h.orch.Submit(ctx, SubmitRequest{UserID: userID, Kind: req.Kind, Cost: cost, Request: req.Request})
	if errors.Is(err, ErrProviderUnavailable) && job != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider unavailable", "job": job})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// List handles GET /v1/jobs.
func (h *Handler) List(c *gin.Context) {
	userID, ok := identity.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	list, err := h.orch.ListJobs(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

// Get handles GET /v1/jobs/:id.
func (h *Handler) Get(c *gin.Context) {
	userID, ok := identity.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := h.orch.GetJob(c.Request.Context(), userID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pricing.ErrUnknownKind), errors.Is(err, provider.ErrUnknownKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported job kind"})
	case errors.Is(err, ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider unavailable"})
	default:
		ledger.WriteError(c, h.log, err)
	}
}

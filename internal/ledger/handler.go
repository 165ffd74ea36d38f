package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inaiurai/creditcore/internal/identity"
	"github.com/inaiurai/creditcore/internal/models"
)

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type redeemRequest struct {
	Code string `json:"code" binding:"required"`
}

// Balance handles GET /v1/balance.
func (h *Handler) Balance(c *gin.Context) {
	userID, ok := identity.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	bal, err := h.svc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// Transactions handles GET /v1/transactions.
func (h *Handler) Transactions(c *gin.Context) {
	userID, ok := identity.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	list, err := h.svc.ListTransactions(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list})
}

// Redeem handles POST /v1/codes/redeem.
func (h *Handler) Redeem(c *gin.Context) {
	userID, ok := identity.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	res, err := h.svc.RedeemCode(c.Request.Context(), req.Code, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	WriteError(c, h.log, err)
}

// WriteError maps ledger errors onto HTTP responses. Unknown errors are
// logged and reported as 500.
func WriteError(c *gin.Context, log *slog.Logger, err error) {
	var insufficient *InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient funds",
			"balance": insufficient.Balance,
			"deficit": insufficient.Deficit,
		})
	case errors.Is(err, ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "code not found"})
	case errors.Is(err, ErrCodeAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "code already used"})
	case errors.Is(err, ErrReferenceInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "reference already used"})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrContention):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry"})
	default:
		log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

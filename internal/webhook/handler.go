// Package webhook receives provider callbacks and feeds them to the job
// orchestrator.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inaiurai/creditcore/internal/jobs"
	"github.com/inaiurai/creditcore/internal/provider"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	maxBodyBytes    = 1 << 20
)

// Ingester applies a normalized provider event.
type Ingester interface {
	IngestEvent(ctx context.Context, taskID string, ev jobs.Event) (jobs.IngestOutcome, error)
}

// Providers looks up a registered provider by its route name.
type Providers interface {
	ByName(name string) (provider.Entry, bool)
}

type Handler struct {
	ingester  Ingester
	providers Providers
	log       *slog.Logger
}

func NewHandler(ingester Ingester, providers Providers, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ingester: ingester, providers: providers, log: log}
}

type payload struct {
	ProviderTaskID string          `json:"provider_task_id"`
	Reference      string          `json:"reference"`
	Status         string          `json:"status"`
	ErrorCode      string          `json:"error_code"`
	Result         json.RawMessage `json:"result"`
}

// Handle serves POST /webhooks/:provider. Every well-formed, authentic
// event is acknowledged with 200, including duplicates and unknown tasks,
// so providers stop retrying. Events that fail to apply are logged and left
// to PollPending.
func (h *Handler) Handle(c *gin.Context) {
	name := c.Param("provider")
	entry, ok := h.providers.ByName(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if entry.WebhookSecret != "" && !Verify(entry.WebhookSecret, body, c.GetHeader(SignatureHeader)) {
		h.log.Warn("webhook signature rejected", "provider", name, "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if p.ProviderTaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider_task_id required"})
		return
	}
	state, ok := provider.NormalizeState(p.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	outcome, err := h.ingester.IngestEvent(c.Request.Context(), p.ProviderTaskID, jobs.Event{
		State:     state,
		ErrorCode: p.ErrorCode,
		Result:    p.Result,
		Reference: p.Reference,
	})
	if err != nil {
		h.log.Error("ingest webhook event", "provider", name, "provider_task_id", p.ProviderTaskID, "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	h.log.Debug("webhook event", "provider", name, "provider_task_id", p.ProviderTaskID, "state", state, "outcome", outcome)
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}

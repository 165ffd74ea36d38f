package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPConfig describes a provider reachable over the generic task API:
// POST {base}/tasks, GET {base}/tasks/{id}, GET {base}/tasks?reference=.
type HTTPConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	CallbackURL string
	Timeout     time.Duration
}

// HTTPGateway implements Gateway and Finder over HTTP.
type HTTPGateway struct {
	cfg        HTTPConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPGateway{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Logger:     logger.With("provider", cfg.Name),
	}
}

var (
	_ Gateway = (*HTTPGateway)(nil)
	_ Finder  = (*HTTPGateway)(nil)
)

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status    string          `json:"status"`
	ErrorCode string          `json:"error_code"`
	Result    json.RawMessage `json:"result"`
}

func (g *HTTPGateway) Submit(ctx context.Context, req JobRequest) (string, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = g.cfg.CallbackURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal submit payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create submit request: %v", ErrRejected, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	g.authorize(httpReq)

	resp, err := g.HTTPClient.Do(httpReq)
	if err != nil {
		g.Logger.Warn("provider submit failed", "reference", req.Reference, "error", err)
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		g.Logger.Warn("provider returned server error", "reference", req.Reference, "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.TaskID == "" {
		// The provider answered 2xx, so the task likely exists.
		return "", fmt.Errorf("%w: unreadable submit response", ErrAmbiguous)
	}
	return out.TaskID, nil
}

func (g *HTTPGateway) Status(ctx context.Context, taskID string) (*Status, error) {
	var out statusResponse
	if err := g.get(ctx, g.cfg.BaseURL+"/tasks/"+url.PathEscape(taskID), &out); err != nil {
		return nil, err
	}
	state, ok := NormalizeState(out.Status)
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown status %q", g.cfg.Name, out.Status)
	}
	return &Status{State: state, ErrorCode: out.ErrorCode, Result: out.Result}, nil
}

func (g *HTTPGateway) FindTask(ctx context.Context, reference string) (string, error) {
	var out submitResponse
	if err := g.get(ctx, g.cfg.BaseURL+"/tasks?reference="+url.QueryEscape(reference), &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", ErrTaskNotFound
	}
	return out.TaskID, nil
}

func (g *HTTPGateway) get(ctx context.Context, target string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	g.authorize(req)
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: %w", g.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrTaskNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider %s: status %d", g.cfg.Name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("provider %s: decode: %w", g.cfg.Name, err)
	}
	return nil
}

func (g *HTTPGateway) authorize(req *http.Request) {
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
}

// classifyTransportError separates failures that happened before the request
// left this host from those where the provider may have received it.
func classifyTransportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrAmbiguous, err)
}

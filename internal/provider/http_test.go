package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditcore/internal/models"
)

func newGateway(t *testing.T, h http.HandlerFunc, timeout time.Duration) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPGateway(HTTPConfig{Name: "test", BaseURL: srv.URL, APIKey: "k", Timeout: timeout}, nil)
}

func TestHTTPGateway_Submit(t *testing.T) {
	var got JobRequest
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "job-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"task_id":"t-42"}`))
	}, time.Second)

	id, err := g.Submit(context.Background(), JobRequest{Reference: "job-1", Kind: "audio", Input: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	assert.Equal(t, "t-42", id)
	assert.Equal(t, "audio", got.Kind)
}

func TestHTTPGateway_SubmitClassification(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantErr   error
		ambiguous bool
	}{
		{
			name:    "bad request is a rejection",
			handler: func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "bad prompt", http.StatusBadRequest) },
			wantErr: ErrRejected,
		},
		{
			name:    "server error is unavailable",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			wantErr: ErrUnavailable,
		},
		{
			name:      "unreadable success body is ambiguous",
			handler:   func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`not json`)) },
			wantErr:   ErrAmbiguous,
			ambiguous: true,
		},
		{
			name: "timeout is ambiguous",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantErr:   ErrAmbiguous,
			ambiguous: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, tt.handler, 100*time.Millisecond)
			_, err := g.Submit(context.Background(), JobRequest{Reference: "job-1", Kind: "audio"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.ambiguous, IsAmbiguous(err))
		})
	}
}

func TestHTTPGateway_SubmitUnreachableIsDefinite(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	g := NewHTTPGateway(HTTPConfig{Name: "gone", BaseURL: base, Timeout: time.Second}, nil)
	_, err := g.Submit(context.Background(), JobRequest{Reference: "job-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsAmbiguous(err))
}

func TestHTTPGateway_Status(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/t-1":
			_, _ = w.Write([]byte(`{"status":"succeeded","result":{"url":"https://cdn/x.mp3"}}`))
		case "/tasks/t-2":
			_, _ = w.Write([]byte(`{"status":"error","error_code":"NSFW"}`))
		default:
			http.NotFound(w, r)
		}
	}, time.Second)

	st, err := g.Status(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobComplete, st.State)
	assert.JSONEq(t, `{"url":"https://cdn/x.mp3"}`, string(st.Result))

	st, err = g.Status(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, st.State)
	assert.Equal(t, "NSFW", st.ErrorCode)

	_, err = g.Status(context.Background(), "t-3")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestHTTPGateway_FindTask(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("reference") == "job-9" {
			_, _ = w.Write([]byte(`{"task_id":"t-9"}`))
			return
		}
		http.NotFound(w, r)
	}, time.Second)

	id, err := g.FindTask(context.Background(), "job-9")
	require.NoError(t, err)
	assert.Equal(t, "t-9", id)

	_, err = g.FindTask(context.Background(), "job-0")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	g := NewHTTPGateway(HTTPConfig{Name: "voice", BaseURL: "http://voice"}, nil)
	require.NoError(t, r.Register(Entry{Name: "voice", Gateway: g, Kinds: []string{"audio"}, WebhookSecret: "s"}))

	err := r.Register(Entry{Name: "other", Gateway: g, Kinds: []string{"audio"}})
	assert.Error(t, err)

	got, err := r.ForKind("audio")
	require.NoError(t, err)
	assert.Same(t, g, got)

	_, err = r.ForKind("video")
	assert.ErrorIs(t, err, ErrUnknownKind)

	e, ok := r.ByName("voice")
	require.True(t, ok)
	assert.Equal(t, "s", e.WebhookSecret)
	assert.Equal(t, []string{"audio"}, r.Kinds())
}

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		in   string
		want models.JobState
		ok   bool
	}{
		{"queued", models.JobAccepted, true},
		{"processing", models.JobPartial, true},
		{"completed", models.JobComplete, true},
		{"failed", models.JobFailed, true},
		{"mystery", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeState(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

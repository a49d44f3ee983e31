package httpprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/clinigate/internal/httputil"
	governance "github.com/blueberrycongee/clinigate/pkg/errors"
	"github.com/blueberrycongee/clinigate/pkg/provider"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestGenerate(t *testing.T) {
	var got generateRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, generatePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.1",
			"response":          "Likely viral pneumonia.",
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        34,
		})
	}))

	resp, err := c.Generate(context.Background(), "explain", provider.Options{
		Temperature: 0.2,
		MaxTokens:   256,
		Extra:       map[string]any{"top_p": 0.9},
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "Likely viral pneumonia.", resp.Content)
	assert.Equal(t, "llama3.1", resp.Model)
	assert.Equal(t, 12, resp.Metadata.PromptTokens)
	assert.Equal(t, 34, resp.Metadata.OutputTokens)
	assert.False(t, resp.Metadata.CreatedAt.IsZero())

	assert.Equal(t, "llama3.1", got.Model, "default model is used when none is given")
	assert.Equal(t, "explain", got.Prompt)
	assert.False(t, got.Stream)
	assert.InDelta(t, 0.2, got.Options["temperature"], 1e-9)
	assert.EqualValues(t, 256, got.Options["num_predict"])
	assert.InDelta(t, 0.9, got.Options["top_p"], 1e-9)
}

func TestGenerateBackendReportedError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m","error":"context window exceeded"}`))
	}))

	resp, err := c.Generate(context.Background(), "p", provider.Options{Model: "m"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "context window exceeded", resp.Error)
}

func TestGenerateStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   governance.Category
		msg    string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, governance.CategoryRateLimit, "slow down"},
		{"request timeout", http.StatusRequestTimeout, ``, governance.CategoryTimeout, "Request Timeout"},
		{"gateway timeout", http.StatusGatewayTimeout, ``, governance.CategoryTimeout, "Gateway Timeout"},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, governance.CategoryConfiguration, "bad key"},
		{"model not found", http.StatusNotFound, `{"error":"model not found"}`, governance.CategoryConfiguration, "model not found"},
		{"server error", http.StatusInternalServerError, `oops`, governance.CategoryProvider, "Internal Server Error"},
		{"unmarked 422", http.StatusUnprocessableEntity, `{"error":"bad input"}`, governance.CategoryValidation, "bad input"},
		{"safety flag", http.StatusUnprocessableEntity, `{"error":"blocked","safety":true}`, governance.CategorySafety, "blocked"},
		{"safety type", http.StatusUnprocessableEntity, `{"error":{"message":"filtered","type":"content_filter"}}`, governance.CategorySafety, "filtered"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.Generate(context.Background(), "p", provider.Options{})
			require.Error(t, err)
			ge, ok := governance.AsGoverned(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, ge.Category)
			assert.Equal(t, tt.msg, ge.Message)
			assert.Equal(t, tt.status, ge.Context["upstream_status"])
		})
	}
}

func TestGenerateTimeout(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, "p", provider.Options{})
	ge, ok := governance.AsGoverned(err)
	require.True(t, ok)
	assert.Equal(t, governance.CategoryTimeout, ge.Category)
}

func TestGenerateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = url
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p", provider.Options{})
	ge, ok := governance.AsGoverned(err)
	require.True(t, ok)
	assert.Equal(t, governance.CategoryProvider, ge.Category)
	assert.False(t, c.IsAvailable(context.Background()))
}

func TestGenerateResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m","response":"` + strings.Repeat("x", 512) + `"}`))
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.MaxResponseBytes = 128
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p", provider.Options{})
	require.ErrorIs(t, err, httputil.ErrResponseBodyTooLarge)
	ge, ok := governance.AsGoverned(err)
	require.True(t, ok)
	assert.Equal(t, governance.CategoryProvider, ge.Category)
}

func TestListModelsMemoised(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, modelsPath, r.URL.Path)
		calls.Add(1)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1"},{"name":"mistral"}]}`))
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1", "mistral"}, models)

	models[0] = "mutated"
	again, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1", "mistral"}, again)
	assert.True(t, c.IsAvailable(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "secret"
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.ListModels(context.Background())
	require.NoError(t, err)
}

func TestThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	c, err := New(cfg)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p", provider.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, "p", provider.Options{})
	require.Error(t, err)
	assert.True(t, governance.IsGoverned(err))
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		allowPrivate bool
		wantErr      bool
	}{
		{"public https", "https://inference.example.org", false, false},
		{"bad scheme", "ftp://example.org", false, true},
		{"userinfo", "https://u:p@example.org", false, true},
		{"query", "https://example.org?x=1", false, true},
		{"loopback rejected", "http://127.0.0.1:11434", false, true},
		{"localhost rejected", "http://localhost:11434", false, true},
		{"loopback allowed", "http://127.0.0.1:11434", true, false},
		{"private rejected", "http://10.0.0.5", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBaseURL(tt.raw, tt.allowPrivate)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

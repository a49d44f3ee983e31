// Package httpprovider implements provider.Provider against an Ollama-style JSON
// generation backend.
package httpprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/clinigate/internal/httputil"
	governance "github.com/blueberrycongee/clinigate/pkg/errors"
	"github.com/blueberrycongee/clinigate/pkg/provider"
)

const (
	generatePath = "/api/generate"
	modelsPath   = "/api/tags"
	modelsKey    = "models"

	maxErrorBody = 64 << 10
)

// Config configures the HTTP backend.
type Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Model is used when a request does not name one.
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	ModelsCacheTTL      time.Duration `yaml:"models_cache_ttl"`
	AllowPrivateBaseURL bool          `yaml:"allow_private_base_url"`
	// MaxResponseBytes caps a generation body. Zero means the package default.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// DefaultConfig targets a local backend.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "http://localhost:11434",
		Model:               "llama3.1",
		Timeout:             60 * time.Second,
		RequestsPerSecond:   10,
		Burst:               20,
		ModelsCacheTTL:      5 * time.Minute,
		AllowPrivateBaseURL: true,
		MaxResponseBytes:    httputil.DefaultMaxResponseBodyBytes,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := ValidateBaseURL(c.BaseURL, c.AllowPrivateBaseURL); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if c.Timeout < 0 {
		return errors.New("provider: timeout must not be negative")
	}
	if c.RequestsPerSecond < 0 || c.Burst < 0 {
		return errors.New("provider: rate limits must not be negative")
	}
	if c.MaxResponseBytes < 0 {
		return errors.New("provider: max_response_bytes must not be negative")
	}
	return nil
}

// Client is an HTTP provider.
type Client struct {
	cfg     Config
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	models  *gocache.Cache
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client after validating cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ModelsCacheTTL <= 0 {
		cfg.ModelsCacheTTL = 5 * time.Minute
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = httputil.DefaultMaxResponseBodyBytes
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		models:  gocache.New(cfg.ModelsCacheTTL, 2*cfg.ModelsCacheTTL),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Generate implements provider.Provider.
func (c *Client) Generate(ctx context.Context, prompt string, opts provider.Options) (*provider.Response, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}

	body := generateRequest{Model: model, Prompt: prompt}
	body.Options = make(map[string]any, len(opts.Extra)+2)
	for k, v := range opts.Extra {
		body.Options[k] = v
	}
	body.Options["temperature"] = opts.Temperature
	if opts.MaxTokens > 0 {
		body.Options["num_predict"] = opts.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, governance.NewValidationError("encode generate request", err)
	}

	start := c.now()
	resp, err := c.do(ctx, http.MethodPost, generatePath, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapError(resp)
	}

	var out generateResponse
	if err := httputil.DecodeLimitedJSON(resp.Body, c.cfg.MaxResponseBytes, &out); err != nil {
		if errors.Is(err, httputil.ErrResponseBodyTooLarge) {
			return nil, governance.NewProviderError("upstream response too large", err).
				WithContext("limit_bytes", c.cfg.MaxResponseBytes)
		}
		return nil, governance.NewProviderError("decode generate response", err)
	}
	latency := c.now().Sub(start)

	if out.Model == "" {
		out.Model = model
	}
	result := &provider.Response{
		Success: out.Error == "",
		Content: out.Response,
		Error:   out.Error,
		Model:   out.Model,
		Metadata: provider.Metadata{
			LatencyMs:    latency.Milliseconds(),
			Model:        out.Model,
			PromptTokens: out.PromptEvalCount,
			OutputTokens: out.EvalCount,
			CreatedAt:    start.UTC(),
		},
	}
	return result, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the backend's models, memoised for ModelsCacheTTL.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if v, ok := c.models.Get(modelsKey); ok {
		if models, ok := v.([]string); ok {
			return append([]string(nil), models...), nil
		}
	}

	resp, err := c.do(ctx, http.MethodGet, modelsPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.mapError(resp)
	}

	var tags tagsResponse
	if err := httputil.DecodeLimitedJSON(resp.Body, c.cfg.MaxResponseBytes, &tags); err != nil {
		return nil, governance.NewProviderError("decode model list", err)
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	c.models.Set(modelsKey, models, gocache.DefaultExpiration)
	return append([]string(nil), models...), nil
}

// IsAvailable reports whether the backend answers its model listing.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if _, ok := c.models.Get(modelsKey); ok {
		return true
	}
	if _, err := c.ListModels(ctx); err != nil {
		c.logger.DebugContext(ctx, "provider unavailable", "base_url", c.baseURL, "error", err)
		return false
	}
	return true
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportError(ctx, "provider throttle", err)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, governance.NewConfigurationError("build provider request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, "provider request", err)
	}
	return resp, nil
}

func transportError(ctx context.Context, message string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return governance.NewTimeoutError(message+" timed out", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return governance.NewTimeoutError(message+" timed out", err)
	default:
		return governance.NewProviderError(message+" failed", err)
	}
}

// errorBody accepts {"error": "msg"} and {"error": {"message": "...", "type": "..."}}.
type errorBody struct {
	Error  json.RawMessage `json:"error"`
	Safety bool            `json:"safety"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (c *Client) mapError(resp *http.Response) error {
	// A truncated error body still carries its message prefix.
	raw, _ := httputil.ReadLimitedBody(resp.Body, maxErrorBody)

	message := http.StatusText(resp.StatusCode)
	safety := false

	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil {
		safety = eb.Safety
		var s string
		var d errorDetail
		switch {
		case len(eb.Error) == 0:
		case json.Unmarshal(eb.Error, &s) == nil && s != "":
			message = s
		case json.Unmarshal(eb.Error, &d) == nil:
			if d.Message != "" {
				message = d.Message
			}
			if d.Type == "safety" || d.Type == "content_filter" {
				safety = true
			}
		}
	}

	category := governance.CategoryForStatus(resp.StatusCode, safety)
	return governance.New(category, message).WithContext("upstream_status", resp.StatusCode)
}

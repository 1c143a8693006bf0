package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

type Config struct {
	BaseURL string
	Model   string
	// TokenSecret names the secret holding a bearer token; empty disables auth.
	TokenSecret string
	// RequestsPerSecond limits calls from this process; zero disables it.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type Client struct {
	baseURL     string
	model       string
	tokenSecret string
	secrets     ports.SecretStore
	limiter     *rate.Limiter
	httpClient  *http.Client
}

func New(cfg Config, secrets ports.SecretStore) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		tokenSecret: strings.TrimSpace(cfg.TokenSecret),
		secrets:     secrets,
		limiter:     limiter,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

type generateOptions struct {
	Model       string
	Temperature float64
	NumPredict  int
}

func (c *Client) generate(ctx context.Context, prompt string, opts generateOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	modelOptions := map[string]any{"temperature": opts.Temperature}
	if opts.NumPredict > 0 {
		modelOptions["num_predict"] = opts.NumPredict
	}
	reqBody := map[string]any{
		"model":   model,
		"prompt":  prompt,
		"stream":  false,
		"options": modelOptions,
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OllamaConfig configures the Ollama embedding client.
type OllamaConfig struct {
	// BaseURL is the Ollama server root, e.g. "http://localhost:11434".
	BaseURL string

	// Model is the embedding model name, e.g. "nomic-embed-text".
	Model string

	// Dimensions is the vector length the model produces.
	Dimensions int

	// Timeout bounds a single embed HTTP call. Default: 30 seconds.
	Timeout time.Duration

	// RequestsPerSecond throttles outbound embed calls. Default: 10.
	RequestsPerSecond float64

	// MaxFailures is the consecutive-failure count that opens the circuit.
	// Default: 3.
	MaxFailures uint32

	// CooldownPeriod is how long the circuit stays open before allowing a
	// probe request. Default: 30 seconds.
	CooldownPeriod time.Duration
}

func (c OllamaConfig) withDefaults() OllamaConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = 30 * time.Second
	}
	return c
}

// OllamaEmbedder computes embeddings via the Ollama /api/embed endpoint.
// Calls are rate limited and guarded by a circuit breaker so a down provider
// fails fast with ErrUnavailable instead of queueing work behind timeouts.
type OllamaEmbedder struct {
	cfg     OllamaConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewOllamaEmbedder creates an embedder against the configured Ollama server.
func NewOllamaEmbedder(cfg OllamaConfig, logger *zap.Logger) (*OllamaEmbedder, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("ollama base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("ollama model is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("invalid embedding dimensions: %d", cfg.Dimensions)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &OllamaEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "OllamaEmbedder",
		Timeout: cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return e, nil
}

// Dimensions returns the configured vector length.
func (e *OllamaEmbedder) Dimensions() int { return e.cfg.Dimensions }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed computes the embedding vector for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("cannot embed empty text")
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.embedOnce(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}

	return result.([]float32), nil
}

func (e *OllamaEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.cfg.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: embed returned %d: %s", ErrUnavailable, resp.StatusCode, payload)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: embed returned no vectors", ErrUnavailable)
	}

	vec := parsed.Embeddings[0]
	if len(vec) != e.cfg.Dimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d",
			len(vec), e.cfg.Dimensions)
	}
	return vec, nil
}

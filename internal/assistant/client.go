// Package assistant answers free-form medical questions through an
// Ollama-compatible generate endpoint.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/pkg/circuitbreaker"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2"

	// UnavailableAnswer is returned while the model server circuit is open.
	UnavailableAnswer = "The medical assistant is temporarily unavailable. Please consult a doctor or try again later."

	systemPrompt = "You are a cautious medical information assistant. " +
		"Give short, general, educational answers. " +
		"Never diagnose and never change a prescribed dose. " +
		"Always advise the user to consult a licensed doctor."
)

// ErrEmptyQuestion is returned for blank questions
var ErrEmptyQuestion = errors.New("question is empty")

// Config holds assistant client settings
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client asks questions of a model server
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewClient creates a client. breaker may be nil to call the server directly.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Ask returns the model's answer to question. When the circuit is open it
// returns UnavailableAnswer and no error.
func (c *Client) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	if c.breaker == nil {
		return c.generate(ctx, question)
	}

	result, err := c.breaker.ExecuteWithFallback(ctx,
		func() (interface{}, error) { return c.generate(ctx, question) },
		func(error) (interface{}, error) { return UnavailableAnswer, nil },
	)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) generate(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		System: systemPrompt,
		Prompt: question,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling model server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	c.logger.Debug("assistant answered",
		zap.String("model", c.model),
		zap.Duration("duration", time.Since(start)),
	)
	return strings.TrimSpace(out.Response), nil
}

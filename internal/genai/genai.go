// Package genai wraps an OpenAI-compatible chat completion endpoint.
//
// ReelPipe uses it to classify prompts into styles; any endpoint speaking the
// OpenAI wire format (OpenAI, Groq, a local server) can be configured.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Defaults target Groq's OpenAI-compatible endpoint.
const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1/"
	DefaultModel       = "llama-3.1-8b-instant"
	DefaultTemperature = 0.2
)

// ErrNoChoicesReturned is returned when the endpoint answers with an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	debugMode   bool
	stateDir    string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key for the endpoint.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithDebugMode dumps every call as JSON under <stateDir>/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// NewClient creates a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, Model: DefaultModel, Temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classifier API key not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("GenAI client initialized", "baseURL", cfg.BaseURL, "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{
		chat:        completionsAdapter{svc: cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// GenerateJSON asks for a JSON object response.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := c.params(systemPrompt, userPrompt)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}
	return c.complete(ctx, "GenerateJSON", params)
}

func (c *Client) params(systemPrompt, userPrompt string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
}

func (c *Client) complete(ctx context.Context, method string, params openai.ChatCompletionNewParams) (string, error) {
	slog.Debug("GenAI."+method+": calling chat completion", "model", c.model)
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI."+method+": chat completion failed", "error", err, "model", c.model)
		return "", err
	}
	c.writeDebug(method, params, resp)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// writeDebug is best-effort; failures are logged only.
func (c *Client) writeDebug(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI.writeDebug: cannot create debug dir", "error", err, "dir", dir)
		return
	}
	now := time.Now().UTC()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("GenAI.writeDebug: write failed", "error", err)
	}
}

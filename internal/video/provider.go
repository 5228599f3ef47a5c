// Package video talks to the text-to-video provider and to the temporary media host
// that makes generated files reachable by the messaging provider.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"
)

const (
	// DefaultBaseURL is the Hugging Face inference router.
	DefaultBaseURL = "https://router.huggingface.co/hf-inference/models"
	// DefaultModel is the text-to-video model used when none is configured.
	DefaultModel = "Wan-AI/Wan2.2-T2V-A14B"
	// DefaultTimeout bounds one generation; text-to-video calls routinely take minutes.
	DefaultTimeout = 10 * time.Minute
)

var (
	// ErrProviderBusy means the provider is rate limiting or temporarily unavailable.
	ErrProviderBusy = errors.New("video provider busy")
	// ErrProviderFailed covers every other unsuccessful provider response.
	ErrProviderFailed = errors.New("video provider failed")
	// ErrEmptyVideo means the provider answered successfully without media.
	ErrEmptyVideo = errors.New("video provider returned no media")
)

// Opts holds configuration for the Provider.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Option configures a Provider.
type Option func(*Opts)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Provider generates video bytes from a prompt over HTTP.
type Provider struct {
	client   *resty.Client
	endpoint string
	model    string
}

// NewProvider creates a Provider.
func NewProvider(opts ...Option) *Provider {
	cfg := Opts{BaseURL: DefaultBaseURL, Model: DefaultModel, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := resty.New().SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.Model
	slog.Debug("video.NewProvider: configured", "endpoint", endpoint, "auth", cfg.APIKey != "")
	return &Provider{client: c, endpoint: endpoint, model: cfg.Model}
}

type generateRequest struct {
	Inputs string `json:"inputs"`
}

// generateResponse covers providers that answer with a link instead of bytes.
type generateResponse struct {
	Video struct {
		URL string `json:"url"`
	} `json:"video"`
	URL string `json:"url"`
}

// Generate returns the rendered video bytes for prompt.
func (p *Provider) Generate(ctx context.Context, prompt string) ([]byte, error) {
	start := time.Now()
	slog.Info("Provider.Generate: requesting video", "model", p.model, "promptLen", len(prompt))
	res, err := p.client.R().
		SetContext(ctx).
		SetHeader("Accept", "video/mp4, application/json").
		SetBody(generateRequest{Inputs: prompt}).
		Post(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if err := classifyStatus(res.StatusCode(), res.String()); err != nil {
		slog.Warn("Provider.Generate: provider rejected request", "status", res.StatusCode(), "error", err)
		return nil, err
	}

	body := res.Bytes()
	if strings.HasPrefix(res.Header().Get("Content-Type"), "application/json") {
		var out generateResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("%w: undecodable response: %v", ErrProviderFailed, err)
		}
		link := out.Video.URL
		if link == "" {
			link = out.URL
		}
		if link == "" {
			return nil, ErrEmptyVideo
		}
		body, err = p.download(ctx, link)
		if err != nil {
			return nil, err
		}
	}
	if len(body) == 0 {
		return nil, ErrEmptyVideo
	}
	slog.Info("Provider.Generate: video ready", "bytes", len(body), "elapsed", time.Since(start))
	return body, nil
}

func (p *Provider) download(ctx context.Context, link string) ([]byte, error) {
	res, err := p.client.R().SetContext(ctx).Get(link)
	if err != nil {
		return nil, fmt.Errorf("%w: download failed: %v", ErrProviderFailed, err)
	}
	if err := classifyStatus(res.StatusCode(), res.String()); err != nil {
		return nil, err
	}
	return res.Bytes(), nil
}

func classifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", ErrProviderBusy, code)
	default:
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("%w: status %d: %s", ErrProviderFailed, code, body)
	}
}

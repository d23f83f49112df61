// Package gemini calls the Gemini generateContent API with model fallback
// and retry of transient faults.
package gemini

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

	"personabot/pkg/failure"
	"personabot/pkg/persona"
	"personabot/pkg/retry"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultTimeout = 15 * time.Second

	maxErrorBody = 200
)

// DefaultModels are tried in order: newest first, then the stable fallback.
var DefaultModels = []string{"gemini-2.0-flash", "gemini-1.5-flash"}

// Config configures a Client. Zero fields take defaults.
type Config struct {
	APIKey  string
	BaseURL string
	Models  []string
	Timeout time.Duration
	Retry   *retry.Policy
}

// Client talks to the Gemini API. It holds no per-request state.
type Client struct {
	apiKey  string
	baseURL string
	models  []string
	timeout time.Duration
	retry   retry.Policy
	client  *http.Client
	logger  *zap.Logger
}

// Result is a successful reply and the model that produced it.
type Result struct {
	Text  string
	Model string
}

// NewClient creates a new Gemini client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		models:  cfg.Models,
		timeout: cfg.Timeout,
		retry:   retry.DefaultPolicy(),
		client:  &http.Client{},
		logger:  logger.Named("gemini"),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if len(c.models) == 0 {
		c.models = DefaultModels
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	}
	return c
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Models returns the candidate list in the order it is tried.
func (c *Client) Models() []string {
	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// Request types for Gemini API
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiFileData `json:"inline_data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiCandidate struct {
	Content struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

func buildRequest(spec persona.PromptSpec) geminiRequest {
	parts := make([]geminiPart, 0, len(spec.Parts))
	for _, p := range spec.Parts {
		if p.Image != nil {
			parts = append(parts, geminiPart{InlineData: &geminiFileData{
				MimeType: p.Image.MimeType,
				Data:     p.Image.Data,
			}})
			continue
		}
		parts = append(parts, geminiPart{Text: p.Text})
	}

	req := geminiRequest{Contents: []geminiContent{{Parts: parts}}}
	if spec.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: spec.System}}}
	}
	return req
}

// Generate sends spec to each candidate model in turn. A missing model moves
// on to the next candidate, transient faults are retried on the same model
// first, and any other rejection or a safety block ends the call.
func (c *Client) Generate(ctx context.Context, spec persona.PromptSpec) (Result, error) {
	const op = "gemini.Generate"

	if !c.Configured() {
		return Result{}, failure.New(failure.KindConfig, op, "gemini API key not configured")
	}

	body, err := json.Marshal(buildRequest(spec))
	if err != nil {
		return Result{}, failure.Wrap(err, failure.KindConfig, op, "failed to marshal request")
	}

	policy := c.retry
	policy.RetryIf = func(err error) bool {
		return ctx.Err() == nil && failure.IsRetryable(err)
	}

	var lastErr error
	sawTransient := false

	for _, model := range c.models {
		text, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (string, error) {
			if attempt > 0 {
				c.logger.Debug("retrying model", zap.String("model", model), zap.Int("attempt", attempt))
			}
			return c.call(ctx, model, body)
		})
		if err == nil {
			c.logger.Debug("model answered", zap.String("model", model))
			return Result{Text: text, Model: model}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, failure.Wrap(ctxErr, failure.KindTransientNetwork, op, "request canceled")
		}

		switch failure.KindOf(err) {
		case failure.KindModelNotFound:
			c.logger.Info("model not found, trying next", zap.String("model", model))
			if lastErr == nil {
				lastErr = err
			}
			continue
		case failure.KindTransientNetwork:
			c.logger.Warn("model unreachable, trying next", zap.String("model", model), zap.Error(err))
			sawTransient = true
			lastErr = err
			continue
		default:
			return Result{}, err
		}
	}

	if sawTransient {
		return Result{}, failure.Wrap(lastErr, failure.KindTransientNetwork, op, "all candidate models failed")
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate models")
	}
	return Result{}, failure.Wrap(lastErr, failure.KindBackendRejected, op, "no candidate model available")
}

// call makes one HTTP attempt against one model.
func (c *Client) call(ctx context.Context, model string, body []byte) (string, error) {
	const op = "gemini.call"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// the key stays out of the URL, which transport errors quote
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", failure.Wrap(err, failure.KindConfig, op, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", failure.Wrap(err, failure.KindTransientNetwork, op, "failed to perform request")
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", failure.Wrap(err, failure.KindTransientNetwork, op, "failed to read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", failure.Status(failure.KindModelNotFound, op, resp.StatusCode, truncate(string(bodyBytes)))
	case resp.StatusCode != http.StatusOK:
		return "", failure.Status(failure.KindBackendRejected, op, resp.StatusCode, truncate(string(bodyBytes)))
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return "", failure.Wrap(err, failure.KindBackendRejected, op, "failed to decode response")
	}

	if geminiResp.PromptFeedback.BlockReason != "" {
		return "", failure.New(failure.KindSafetyFiltered, op, "content blocked: "+geminiResp.PromptFeedback.BlockReason)
	}
	if len(geminiResp.Candidates) == 0 {
		return "", failure.New(failure.KindSafetyFiltered, op, "no response candidates returned")
	}

	candidate := geminiResp.Candidates[0]
	var sb strings.Builder
	for _, p := range candidate.Content.Parts {
		sb.WriteString(p.Text)
	}
	text := sb.String()

	if text == "" && candidate.FinishReason == "SAFETY" {
		return "", failure.New(failure.KindSafetyFiltered, op, "candidate blocked by safety filter")
	}
	return text, nil
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "...(truncated)"
	}
	return s
}

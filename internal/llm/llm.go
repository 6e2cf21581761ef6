package llm

import (
	"artgen/internal/config"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSoftRefusal 上游以 HTTP 200 返回了拒绝性文案，需要和传输错误区分开，
// 因为两者的退款和提示语逻辑不同。
var ErrSoftRefusal = errors.New("upstream refused the generation request")

// GenerateRequest 一次外部生成调用的参数。
type GenerateRequest struct {
	Prompt      string
	Style       string
	AspectRatio string
	ImageRef    string // URL 或 base64 参考图
	Model       string // 留空时使用配置的默认模型
}

// RawResponse is what the upstream actually gave back: free-form assistant
// text plus any structurally returned image URLs.
type RawResponse struct {
	Text      string
	ImageURLs []string
	ModelUsed string
}

// Client wraps the configured provider chain: an OpenAI-compatible
// chat-completions endpoint first, then the official Volcengine channel when
// no primary key is configured.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	fallbackModel string
	timeout       time.Duration

	volcAPIKey string
	volcModel  string
}

// NewClient builds a client from environment configuration.
func NewClient(cfg config.Config) (*Client, error) {
	timeout := time.Duration(cfg.GenTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 270 * time.Second
	}

	c := &Client{
		baseURL:       strings.TrimSpace(cfg.GenAPIBaseURL),
		apiKey:        strings.TrimSpace(cfg.GenAPIKey),
		model:         strings.TrimSpace(cfg.GenModel),
		fallbackModel: strings.TrimSpace(cfg.GenFallbackModel),
		timeout:       timeout,
		volcAPIKey:    strings.TrimSpace(cfg.VolcAPIKey),
		volcModel:     strings.TrimSpace(cfg.VolcModel),
	}

	if c.apiKey == "" && c.volcAPIKey == "" {
		return nil, errors.New("no generation provider configured: set GEN_API_KEY or VOLCENGINE_API_KEY")
	}
	return c, nil
}

// Timeout returns the per-call upstream timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// DefaultModel returns the configured primary model name.
func (c *Client) DefaultModel() string {
	return c.model
}

// FallbackModel returns the cheaper model used for the single timeout retry.
func (c *Client) FallbackModel() string {
	return c.fallbackModel
}

// Generate performs one synchronous generation call. Style and aspect ratio
// hints are folded into the prompt text; the upstream is a chat interface,
// not an image endpoint.
func (c *Client) Generate(ctx context.Context, request GenerateRequest) (*RawResponse, error) {
	prompt := buildPromptText(request)
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("prompt is required")
	}

	model := strings.TrimSpace(request.Model)
	if model == "" {
		model = c.model
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.apiKey != "" {
		var refs []string
		if strings.TrimSpace(request.ImageRef) != "" {
			refs = []string{strings.TrimSpace(request.ImageRef)}
		}
		urls, text, err := generateByOpenAIProtocol(callCtx, c.apiKey, c.baseURL, model, prompt, refs)
		if err != nil {
			return nil, err
		}
		return &RawResponse{Text: text, ImageURLs: urls, ModelUsed: model}, nil
	}

	// 官方兜底通道
	url, text, err := generateByVolcengineProtocol(callCtx, c.volcAPIKey, c.volcModel, prompt, request.ImageRef)
	if err != nil {
		return nil, err
	}
	resp := &RawResponse{Text: text, ModelUsed: c.volcModel}
	if url != "" {
		resp.ImageURLs = []string{url}
	}
	return resp, nil
}

// buildPromptText folds style and aspect-ratio hints into the prompt, the
// same way the upstream chat interface expects them.
func buildPromptText(request GenerateRequest) string {
	parts := []string{strings.TrimSpace(request.Prompt)}
	if style := strings.TrimSpace(request.Style); style != "" {
		parts = append(parts, fmt.Sprintf("Style: %s.", style))
	}
	if ratio := strings.TrimSpace(request.AspectRatio); ratio != "" {
		parts = append(parts, fmt.Sprintf("Aspect ratio: %s.", ratio))
	}
	joined := strings.TrimSpace(strings.Join(parts, " "))
	return joined
}

// ShortenPrompt trims a prompt for the timeout retry: hints are dropped and
// the text is cut at a word boundary.
func ShortenPrompt(prompt string, maxLen int) string {
	trimmed := strings.TrimSpace(prompt)
	if maxLen <= 0 || len(trimmed) <= maxLen {
		return trimmed
	}
	cut := trimmed[:maxLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

// IsTimeoutError reports whether an upstream failure looks like a timeout and
// therefore qualifies for the single fallback-model retry.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "deadline exceeded", "408", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

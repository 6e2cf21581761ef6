package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type chatImageURL struct {
	URL string `json:"url"`
}
type chatImage struct {
	Type     string       `json:"type"` // "image_url"
	ImageURL chatImageURL `json:"image_url"`
}

type chatMsgPart struct {
	Type     string        `json:"type"` // "text" | "image_url"
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}
type chatMessage struct {
	Role    string      `json:"role"` // "user"
	Content interface{} `json:"content"`
}

type chatRespMessage struct {
	Content string      `json:"content"`
	Images  []chatImage `json:"images"`
}
type chatRespChoice struct {
	Message      chatRespMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Index        int             `json:"index"`
}
type chatResponse struct {
	Choices []chatRespChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// 输入图片 data:URL 也行，http(s) 也行
func makeUserMessage(prompt string, refs []string) chatMessage {
	parts := []chatMsgPart{{Type: "text", Text: prompt}}
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		parts = append(parts, chatMsgPart{
			Type:     "image_url",
			ImageURL: &chatImageURL{URL: r},
		})
	}
	return chatMessage{Role: "user", Content: parts}
}

// generateByOpenAIProtocol issues a single non-streaming chat-completion call
// against an OpenAI-compatible endpoint. The caller owns the deadline through
// ctx; the http.Client carries no timeout of its own.
func generateByOpenAIProtocol(ctx context.Context, apiKey, baseURL, model, prompt string, refs []string) (imageURLs []string, assistantText string, err error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, "", errors.New("generation api key missing")
	}

	logrus.WithFields(logrus.Fields{
		"model":                 model,
		"prompt_length":         len(prompt),
		"reference_image_count": len(refs),
	}).Info("chat completion generate called")

	reqBody := map[string]any{
		"model":      model,
		"messages":   []chatMessage{makeUserMessage(prompt, refs)},
		"modalities": []string{"image", "text"},
	}

	bs, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL, bytes.NewReader(bs))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	httpCli := &http.Client{Timeout: 0} // 超时由 ctx 控制
	resp, err := httpCli.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != 200 {
		logrus.WithFields(logrus.Fields{
			"baseURL": baseURL,
			"status":  resp.StatusCode,
			"body":    truncateForLog(string(body), 2048),
		}).Error("chat completion generate failed")
		return nil, "", fmt.Errorf("upstream http %d: %s", resp.StatusCode, truncateForLog(string(body), 512))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", fmt.Errorf("decode upstream response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, "", fmt.Errorf("upstream error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, "", errors.New("upstream returned no choices")
	}

	message := parsed.Choices[0].Message
	for _, img := range message.Images {
		if u := strings.TrimSpace(img.ImageURL.URL); u != "" {
			imageURLs = append(imageURLs, u)
		}
	}
	return imageURLs, strings.TrimSpace(message.Content), nil
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

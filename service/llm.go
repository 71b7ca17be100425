package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
)

// Completer 统一的文本 / 图文补全接口，生成器只依赖它
type Completer interface {
	TextComplete(ctx context.Context, prompt string, cfg config.LLMConfig) (string, error)
	VisionComplete(ctx context.Context, images [][]byte, prompt string, cfg config.LLMConfig) (string, error)
}

// APIError 重试耗尽后返回，携带最后一次的 HTTP 状态和响应体
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	Attempts   int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 && e.Err == nil {
		return fmt.Sprintf("%s http %d after %d attempt(s): %s", e.Provider, e.StatusCode, e.Attempts, truncate(e.Body, 500))
	}
	return fmt.Sprintf("%s request failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable 网络错误、429、5xx 可重试
func (e *APIError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Gateway struct {
	HTTP        *http.Client
	MaxAttempts int
	RetryDelay  time.Duration
	log         *logger.Logger
}

func NewGateway(log *logger.Logger) *Gateway {
	return &Gateway{
		HTTP:        &http.Client{Timeout: 600 * time.Second},
		MaxAttempts: 3,
		RetryDelay:  time.Second,
		log:         log.With("component", "llm"),
	}
}

func (g *Gateway) TextComplete(ctx context.Context, prompt string, cfg config.LLMConfig) (string, error) {
	return g.complete(ctx, nil, prompt, cfg)
}

func (g *Gateway) VisionComplete(ctx context.Context, images [][]byte, prompt string, cfg config.LLMConfig) (string, error) {
	return g.complete(ctx, images, prompt, cfg)
}

func (g *Gateway) complete(ctx context.Context, images [][]byte, prompt string, cfg config.LLMConfig) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.APIType))
	if provider == "" {
		provider = "openai"
	}
	var call func(context.Context) (string, *APIError)
	switch provider {
	case "openai":
		call = func(ctx context.Context) (string, *APIError) { return g.openAI(ctx, images, prompt, cfg) }
	case "gemini":
		call = func(ctx context.Context) (string, *APIError) { return g.gemini(ctx, images, prompt, cfg) }
	default:
		return "", &APIError{Provider: provider, Err: fmt.Errorf("unsupported api_type %q", cfg.APIType)}
	}

	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last *APIError
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", &APIError{Provider: provider, Attempts: attempt - 1, Err: err}
		}
		out, apiErr := call(ctx)
		if apiErr == nil {
			return out, nil
		}
		apiErr.Attempts = attempt
		last = apiErr
		if !apiErr.Retryable() || attempt == attempts {
			break
		}
		g.log.Warn("llm call failed, retrying",
			"provider", provider, "model", cfg.Model, "attempt", attempt, "status", apiErr.StatusCode, "error", apiErr.Error())
		select {
		case <-ctx.Done():
			return "", &APIError{Provider: provider, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(g.RetryDelay):
		}
	}
	return "", last
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *Gateway) openAI(ctx context.Context, images [][]byte, prompt string, cfg config.LLMConfig) (string, *APIError) {
	req := openAIChatRequest{Model: cfg.Model}
	if len(images) == 0 {
		req.Messages = []openAIMessage{{Role: "user", Content: prompt}}
	} else {
		parts := []openAIContentPart{{Type: "text", Text: prompt}}
		for _, img := range images {
			p := openAIContentPart{Type: "image_url"}
			p.ImageURL = &struct {
				URL string `json:"url"`
			}{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)}
			parts = append(parts, p)
		}
		req.Messages = []openAIMessage{{Role: "user", Content: parts}}
	}

	endpoint := strings.TrimRight(cfg.APIURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	raw, apiErr := g.post(ctx, "openai", endpoint, headers, req)
	if apiErr != nil {
		return "", apiErr
	}
	var resp openAIChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		return "", &APIError{Provider: "openai", StatusCode: http.StatusOK, Body: string(raw), Err: errors.New("unexpected response shape")}
	}
	return resp.Choices[0].Message.Content, nil
}

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type geminiRequest struct {
	Contents []struct {
		Role  string       `json:"role"`
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	SafetySettings []map[string]string `json:"safetySettings"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

var geminiSafety = []map[string]string{
	{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_CIVIC_INTEGRITY", "threshold": "BLOCK_NONE"},
}

func (g *Gateway) gemini(ctx context.Context, images [][]byte, prompt string, cfg config.LLMConfig) (string, *APIError) {
	parts := []geminiPart{{Text: prompt}}
	for _, img := range images {
		p := geminiPart{}
		p.InlineData = &struct {
			MimeType string `json:"mime_type"`
			Data     string `json:"data"`
		}{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(img)}
		parts = append(parts, p)
	}
	var req geminiRequest
	req.Contents = append(req.Contents, struct {
		Role  string       `json:"role"`
		Parts []geminiPart `json:"parts"`
	}{Role: "user", Parts: parts})
	req.SafetySettings = geminiSafety

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(cfg.APIURL, "/"), cfg.Model, url.QueryEscape(cfg.APIKey))
	raw, apiErr := g.post(ctx, "gemini", endpoint, nil, req)
	if apiErr != nil {
		return "", apiErr
	}
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &APIError{Provider: "gemini", StatusCode: http.StatusOK, Body: string(raw), Err: errors.New("unexpected response shape")}
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (g *Gateway) post(ctx context.Context, provider, endpoint string, headers map[string]string, body interface{}) ([]byte, *APIError) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, &APIError{Provider: provider, StatusCode: -1, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		// 地址非法，重试无意义
		return nil, &APIError{Provider: provider, StatusCode: -1, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, &APIError{Provider: provider, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Provider: provider, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// truncate 按字符截断，不会切开多字节字符
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return truncateRunes(s, n) + "..."
}

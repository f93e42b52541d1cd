package gateway

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

	"google.golang.org/genai"
)

// Provider is one upstream LLM endpoint. Invoke returns the raw response
// text; the gateway owns parsing, schema enforcement, and retries.
type Provider interface {
	Name() string
	Org() string
	Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, int, error)
}

// GeminiProvider calls the Gemini API through the genai client.
type GeminiProvider struct {
	name   string
	org    string
	model  string
	client *genai.Client
}

// GeminiConfig configures a Gemini lane member.
type GeminiConfig struct {
	Name   string
	Org    string
	APIKey string
	Model  string
}

// NewGeminiProvider constructs the provider. The model defaults to
// gemini-2.5-flash when unset.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider %s: API key is required", cfg.Name)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{name: cfg.Name, org: cfg.Org, model: cfg.Model, client: client}, nil
}

func (p *GeminiProvider) Name() string { return p.name }
func (p *GeminiProvider) Org() string  { return p.org }

// Invoke sends the prompt requesting a JSON response and returns the text
// plus total token usage.
func (p *GeminiProvider) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, int, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		status := 0
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.Code
		}
		return "", 0, &providerError{status: status, err: err}
	}

	text := resp.Text()
	if text == "" {
		return "", 0, &providerError{status: 0, err: fmt.Errorf("empty completion")}
	}
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return text, tokens, nil
}

// ChatProvider calls any OpenAI-compatible chat completions endpoint.
type ChatProvider struct {
	name       string
	org        string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// ChatConfig configures an OpenAI-compatible lane member.
type ChatConfig struct {
	Name    string
	Org     string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewChatProvider constructs the provider with a 120s default timeout.
func NewChatProvider(cfg ChatConfig) *ChatProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &ChatProvider{
		name:    cfg.Name,
		org:     cfg.Org,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (p *ChatProvider) Name() string { return p.name }
func (p *ChatProvider) Org() string  { return p.org }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke performs one chat completion call. Transport failures and non-2xx
// statuses come back as providerError for the gateway to classify.
func (p *ChatProvider) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, int, error) {
	if p.apiKey == "" {
		return "", 0, &providerError{status: 401, err: fmt.Errorf("API key not configured")}
	}

	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   8192,
		Temperature: 0.1,
	})
	if err != nil {
		return "", 0, &providerError{status: 0, err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, &providerError{status: 0, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, &providerError{status: 0, err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &providerError{status: 0, err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, &providerError{
			status: resp.StatusCode,
			err:    fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", 0, &providerError{status: 0, err: fmt.Errorf("parse response: %w", err)}
	}
	if parsed.Error != nil {
		return "", 0, &providerError{status: 0, err: fmt.Errorf("API error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", 0, &providerError{status: 0, err: fmt.Errorf("no completion returned")}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), parsed.Usage.TotalTokens, nil
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

type GeneratorConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAIGenerator calls an OpenAI compatible chat completions endpoint.
type OpenAIGenerator struct {
	cfg    GeneratorConfig
	client *http.Client
}

func NewOpenAIGenerator(cfg GeneratorConfig) *OpenAIGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIGenerator{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (g *OpenAIGenerator) Name() string { return "openai" }

func (g *OpenAIGenerator) Generate(ctx context.Context, credential string, req *GenerationRequest) (string, error) {
	ctx, span := otel.Tracer("careline/llm").Start(ctx, "OpenAIGenerator.Generate", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("model", g.cfg.Model))
	defer span.End()

	if credential == "" {
		return "", errors.New("openai: no api key configured")
	}

	reqBody, err := json.Marshal(chatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		span.SetStatus(codes.Error, "rate limited")
		return "", fmt.Errorf("openai: %w", ErrRateLimited)
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to unmarshal response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		span.SetStatus(codes.Error, out.Error.Message)
		return "", fmt.Errorf("openai API error (HTTP %d): %s", resp.StatusCode, out.Error.Message)
	}
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
		return "", fmt.Errorf("openai: HTTP %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		span.SetStatus(codes.Error, "no response choices")
		return "", errors.New("no response from openai")
	}
	return out.Choices[0].Message.Content, nil
}

// GeminiGenerator calls Gemini through the genai SDK. One client is kept per
// credential so rotation does not rebuild clients.
type GeminiGenerator struct {
	cfg     GeneratorConfig
	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGeminiGenerator(cfg GeneratorConfig) *GeminiGenerator {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	return &GeminiGenerator{cfg: cfg, clients: make(map[string]*genai.Client)}
}

func (g *GeminiGenerator) Name() string { return "gemini" }

func (g *GeminiGenerator) client(ctx context.Context, credential string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[credential]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	g.clients[credential] = c
	return c, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, credential string, req *GenerationRequest) (string, error) {
	ctx, span := otel.Tracer("careline/llm").Start(ctx, "GeminiGenerator.Generate", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("model", g.cfg.Model))
	defer span.End()

	if credential == "" {
		return "", errors.New("gemini: no api key configured")
	}
	client, err := g.client(ctx, credential)
	if err != nil {
		return "", err
	}

	resp, err := client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(g.cfg.Temperature)),
		MaxOutputTokens:   int32(g.cfg.MaxTokens),
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if isGenAIRateLimit(err) {
			return "", fmt.Errorf("gemini: %w", ErrRateLimited)
		}
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	return resp.Text(), nil
}

func isGenAIRateLimit(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code == http.StatusTooManyRequests
	}
	return strings.Contains(err.Error(), "RESOURCE_EXHAUSTED")
}

// OfflineGenerator answers without a language model by quoting the best
// matching knowledge entry. Used when no provider credentials are configured.
type OfflineGenerator struct{}

func NewOfflineGenerator() *OfflineGenerator { return &OfflineGenerator{} }

func (OfflineGenerator) Name() string { return "offline" }

func (OfflineGenerator) Generate(_ context.Context, _ string, req *GenerationRequest) (string, error) {
	q := strings.ToLower(req.Question)
	switch {
	case containsAny(q, "hello", "hi ", "good morning", "good evening") || q == "hi":
		return "Hello! I am the hospital's virtual assistant. How can I help you today?", nil
	case containsAny(q, "thank"):
		return "You're welcome! Let me know if there is anything else I can help with.", nil
	}

	if len(req.Context) > 0 {
		best := req.Context[0]
		text := strings.TrimSpace(best.Content)
		if len([]rune(text)) > 600 {
			text = string([]rune(text)[:600]) + "..."
		}
		if title := strings.TrimSpace(best.Title); title != "" {
			return fmt.Sprintf("Here is what I found about %s:\n%s", title, text), nil
		}
		return "Here is what I found:\n" + text, nil
	}
	return "I'm sorry, I could not find information about that. " +
		"Please contact the hospital front desk or ask to speak with a staff member.", nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

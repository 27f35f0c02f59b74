// Package knowledge is a client for the remote knowledge service that holds the
// embedded hospital knowledge base and answers similarity searches over it.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Searcher is the subset of the client the chat path depends on.
type Searcher interface {
	SearchKnowledge(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
	HealthCheck(ctx context.Context) error
}

// Uploader is used by ingestion.
type Uploader interface {
	UploadDocument(ctx context.Context, kbID string, doc *Document) (*DocumentInfo, error)
}

var (
	_ Searcher = (*Client)(nil)
	_ Uploader = (*Client)(nil)
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("API error [%d]: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	apiKey     string
	tenantID   string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		baseURL:  config.BaseURL,
		apiKey:   config.APIKey,
		tenantID: config.TenantID,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	req.Header.Set("User-Agent", "Careline-Knowledge-Client/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
		"status": resp.StatusCode,
	}).Debug("knowledge service call")

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Code = errResp.ErrorCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("knowledge service retry attempt %d/%d: %v", attempt, c.config.MaxRetries, lastErr)
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return err
		}

		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if !shouldRetry(err) {
				break
			}
			continue
		}
		return nil
	}

	return lastErr
}

// shouldRetry retries transport failures and 5xx/429 answers; other 4xx are final.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// SearchKnowledge runs a top-k similarity search.
func (c *Client) SearchKnowledge(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req.KnowledgeBaseID == "" {
		return nil, fmt.Errorf("knowledge base ID is required")
	}
	if req.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}
	if req.Strategy == "" {
		req.Strategy = "hybrid"
	}

	var response SearchResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, "/api/v1/knowledge/search", req, &response); err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("search failed: %s", response.Message)
	}
	return &response, nil
}

// UploadDocument adds one text document to a knowledge base.
func (c *Client) UploadDocument(ctx context.Context, kbID string, doc *Document) (*DocumentInfo, error) {
	if kbID == "" {
		return nil, fmt.Errorf("knowledge base ID is required")
	}
	if doc.Title == "" {
		return nil, fmt.Errorf("document title is required")
	}

	var response struct {
		Success bool         `json:"success"`
		Data    DocumentInfo `json:"data"`
		Message string       `json:"message"`
	}
	endpoint := fmt.Sprintf("/api/v1/knowledge/%s/documents", kbID)
	if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, doc, &response); err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("upload failed: %s", response.Message)
	}
	return &response.Data, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	var response HealthResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/api/v1/health", nil, &response); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if response.Status != "healthy" && response.Status != "ok" {
		return fmt.Errorf("service unhealthy: %s", response.Status)
	}
	return nil
}

func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"base_url":    c.baseURL,
		"tenant_id":   c.tenantID,
		"timeout":     c.config.Timeout,
		"max_retries": c.config.MaxRetries,
	}
}

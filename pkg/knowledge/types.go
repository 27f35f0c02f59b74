package knowledge

import "time"

// SearchRequest is a similarity search against one knowledge base.
type SearchRequest struct {
	Query           string  `json:"query"`
	KnowledgeBaseID string  `json:"kb_id"`
	Limit           int     `json:"limit"`
	Threshold       float64 `json:"threshold"`
	Strategy        string  `json:"strategy"` // bm25, vector, hybrid
}

type SearchResponse struct {
	Success   bool       `json:"success"`
	Data      SearchData `json:"data"`
	Message   string     `json:"message"`
	RequestID string     `json:"request_id"`
}

type SearchData struct {
	Results  []SearchResult `json:"results"`
	Total    int            `json:"total"`
	Strategy string         `json:"strategy"`
}

type SearchResult struct {
	DocumentID string                 `json:"document_id"`
	Title      string                 `json:"title"`
	Content    string                 `json:"content"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata"`
	ChunkIndex int                    `json:"chunk_index"`
	Source     string                 `json:"source"`
}

// Document is an ingested text unit.
type Document struct {
	Type     string                 `json:"type"` // text
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Tags     []string               `json:"tags"`
	Metadata map[string]interface{} `json:"metadata"`
}

type DocumentInfo struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	TenantID   string        `yaml:"tenant_id"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:9000",
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
}

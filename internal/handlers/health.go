package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"careline/internal/database"
	appmetrics "careline/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var errNotConfigured = errors.New("not configured")

// KnowledgeHealth is implemented by the remote knowledge client.
type KnowledgeHealth interface {
	HealthCheck(ctx context.Context) error
}

// StatsReporter is implemented by the retrieval gateway and the chat hub.
type StatsReporter interface {
	Stats() map[string]interface{}
}

// HealthHandler reports dependency health. Only the database is required;
// the knowledge service and redis degrade the status without failing it.
type HealthHandler struct {
	db        *gorm.DB
	redis     *redis.Client
	knowledge KnowledgeHealth
	gateway   StatsReporter
	hub       StatsReporter
	version   string
	started   time.Time
	logger    *logrus.Logger
}

type HealthOptions struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Knowledge KnowledgeHealth
	Gateway   StatsReporter
	Hub       StatsReporter
	Version   string
}

func NewHealthHandler(opts HealthOptions, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{
		db:        opts.DB,
		redis:     opts.Redis,
		knowledge: opts.Knowledge,
		gateway:   opts.Gateway,
		hub:       opts.Hub,
		version:   opts.Version,
		started:   time.Now(),
		logger:    logger,
	}
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(h.started).Truncate(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	if !h.check(ctx, &resp, "database", true, func(ctx context.Context) error {
		if h.db == nil {
			return errNotConfigured
		}
		return database.Ping(ctx, h.db)
	}) {
		resp.Status = "unhealthy"
	}
	if h.knowledge != nil && !h.check(ctx, &resp, "knowledge", false, h.knowledge.HealthCheck) && resp.Status == "healthy" {
		resp.Status = "degraded"
	}
	if h.redis != nil && !h.check(ctx, &resp, "redis", false, func(ctx context.Context) error {
		return h.redis.Ping(ctx).Err()
	}) && resp.Status == "healthy" {
		resp.Status = "degraded"
	}

	if h.gateway != nil {
		resp.Services["retrieval"] = ServiceInfo{Status: "healthy", Details: h.gateway.Stats()}
	}
	if h.hub != nil {
		resp.Services["chat"] = ServiceInfo{Status: "healthy", Details: h.hub.Stats()}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ready only checks the database.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := h.db != nil && database.Ping(ctx, h.db) == nil
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "timestamp": time.Now()})
}

// Metrics writes the in-process counters in Prometheus text exposition format.
func (h *HealthHandler) Metrics(c *gin.Context) {
	b := &strings.Builder{}
	fmt.Fprintf(b, "# HELP careline_uptime_seconds Uptime of the instance in seconds\n")
	fmt.Fprintf(b, "# TYPE careline_uptime_seconds counter\n")
	fmt.Fprintf(b, "careline_uptime_seconds %.0f\n\n", time.Since(h.started).Seconds())

	if h.hub != nil {
		fmt.Fprintf(b, "# HELP careline_websocket_active_connections Open chat connections\n")
		fmt.Fprintf(b, "# TYPE careline_websocket_active_connections gauge\n")
		fmt.Fprintf(b, "careline_websocket_active_connections %v\n\n", h.hub.Stats()["connections"])
	}

	chat := appmetrics.ChatSnapshot()
	writeCounter(b, "careline_questions_total", "Questions received", chat.Questions)
	writeCounter(b, "careline_answers_total", "Answers delivered", chat.Answers)
	writeCounter(b, "careline_upstream_errors_total", "Questions that failed upstream", chat.UpstreamErrors)
	writeCounter(b, "careline_malformed_total", "Rejected malformed messages", chat.Malformed)

	total, byPrefix := appmetrics.RateLimitSnapshot()
	fmt.Fprintf(b, "# HELP careline_rate_limit_dropped_total Requests rejected with 429\n")
	fmt.Fprintf(b, "# TYPE careline_rate_limit_dropped_total counter\n")
	fmt.Fprintf(b, "careline_rate_limit_dropped_total %d\n", total)
	for _, k := range sortedKeys(byPrefix) {
		fmt.Fprintf(b, "careline_rate_limit_dropped_total{prefix=%q} %d\n", k, byPrefix[k])
	}

	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
}

func writeCounter(b *strings.Builder, name, help string, byChannel map[string]uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range sortedKeys(byChannel) {
		fmt.Fprintf(b, "%s{channel=%q} %d\n", name, k, byChannel[k])
	}
	b.WriteString("\n")
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *HealthHandler) check(ctx context.Context, resp *HealthResponse, name string, required bool, fn func(context.Context) error) bool {
	start := time.Now()
	err := fn(ctx)
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	if err != nil {
		info.Status = "unhealthy"
		if !required {
			info.Status = "degraded"
		}
		info.Error = err.Error()
		h.logger.WithError(err).WithField("service", name).Warn("Health check failed")
	}
	resp.Services[name] = info
	return err == nil
}

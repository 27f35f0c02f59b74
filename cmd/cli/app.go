package cli

import (
	"context"
	"math"
	"strings"

	"careline/internal/config"
	"careline/internal/database"
	"careline/internal/handlers"
	"careline/internal/middleware"
	"careline/internal/queue"
	"careline/internal/services"
	"careline/pkg/knowledge"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app holds every long-lived component the server runs with.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *gorm.DB
	redis     *redis.Client
	publisher *queue.Publisher
	knowledge *knowledge.Client
	gateway   *services.RAGGateway
	sessions  *services.SessionManager
	hub       *services.ChatHub
	deps      handlers.RouterDeps
}

// newApp connects storage and optional backends and assembles the services.
// Redis, RabbitMQ and the knowledge service are optional; a failure to reach
// one of them is logged and the server starts without it.
func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, logger); err != nil {
		return nil, err
	}
	a.db = db

	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, rate limiting falls back to memory")
			_ = a.redis.Close()
			a.redis = nil
		}
	}

	var notifier services.HandoverNotifier
	if cfg.Queue.Enabled {
		pub, err := queue.NewPublisher(cfg.Queue.URL, cfg.Queue.HandoverQueue)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unavailable, handover requests are stored only")
		} else {
			a.publisher = pub
			notifier = pub
		}
	}

	opts := services.RAGGatewayOptions{
		Breaker:   newBreaker(cfg.Fallback.CircuitBreaker),
		Generator: newGenerator(cfg.LLM, logger),
		Policy: &services.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Credentials: services.NewCredentialPool(cfg.LLM.APIKeys),
			Logger:      logger,
		},
	}
	if cfg.Knowledge.Enabled {
		a.knowledge = newKnowledgeClient(cfg.Knowledge, logger)
		opts.Primary = services.NewRemoteRetriever(a.knowledge, cfg.Knowledge.KnowledgeBaseID, cfg.Knowledge.ScoreThreshold, cfg.Knowledge.Strategy)
	}
	if !cfg.Knowledge.Enabled || (cfg.Fallback.Enabled && cfg.Fallback.LocalKBEnabled) {
		kb := services.NewLocalKnowledgeBase(db, logger)
		if err := kb.Reload(ctx); err != nil {
			logger.WithError(err).Warn("Failed to load local knowledge base")
		}
		opts.Fallback = kb
	}
	a.gateway = services.NewRAGGateway(opts, logger)

	a.sessions = services.NewSessionManager(a.gateway, services.SessionManagerConfig{
		HistoryWindow: cfg.Chat.HistoryWindow,
		TopK:          cfg.Knowledge.TopK,
		AnswerTimeout: cfg.Chat.AnswerTimeout,
		IdleTTL:       cfg.Chat.SessionIdleTTL,
	}, logger)

	store := services.NewAnalyticsStore(db, logger)
	recorder := services.NewEventRecorder(store, logger)
	a.hub = services.NewChatHub(a.sessions, recorder, services.ChatHubConfig{
		MaxMessageSize: cfg.Chat.MaxMessageSize,
		PongWait:       cfg.Chat.PongWait,
		WriteWait:      cfg.Chat.WriteWait,
		AllowedOrigins: cfg.Chat.AllowedOrigins,
	}, logger)

	capture := services.NewCaptureService(store, recorder, notifier, logger)
	stats := services.NewStatisticsService(db, logger)

	health := handlers.HealthOptions{
		DB:      db,
		Redis:   a.redis,
		Gateway: a.gateway,
		Hub:     a.hub,
		Version: Version,
	}
	if a.knowledge != nil {
		health.Knowledge = a.knowledge
	}

	a.deps = handlers.RouterDeps{
		Chat:      handlers.NewChatHandler(a.sessions, cfg.Chat.DefaultSessionID, logger),
		Analytics: handlers.NewAnalyticsHandler(stats, capture, logger),
		WebSocket: handlers.NewWebSocketHandler(a.hub),
		Health:    handlers.NewHealthHandler(health, logger),
		Limiter:   middleware.NewLimiter(cfg, a.redis),
		Logger:    logger,
	}
	return a, nil
}

// close releases connections in reverse order of acquisition.
func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close RabbitMQ publisher")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func newKnowledgeClient(kc config.KnowledgeConfig, logger *logrus.Logger) *knowledge.Client {
	kcfg := knowledge.DefaultConfig()
	kcfg.BaseURL = kc.BaseURL
	kcfg.APIKey = kc.APIKey
	kcfg.TenantID = kc.TenantID
	if kc.Timeout > 0 {
		kcfg.Timeout = kc.Timeout
	}
	kcfg.MaxRetries = kc.MaxRetries
	return knowledge.NewClient(kcfg, logger)
}

// newGenerator picks the answer generator. Without credentials the offline
// generator answers from retrieved context alone.
func newGenerator(lc config.LLMConfig, logger *logrus.Logger) services.Generator {
	gc := services.GeneratorConfig{
		BaseURL:     lc.BaseURL,
		Model:       lc.Model,
		Temperature: lc.Temperature,
		MaxTokens:   lc.MaxTokens,
		Timeout:     lc.Timeout,
	}
	provider := strings.ToLower(lc.Provider)
	if provider != "offline" && services.NewCredentialPool(lc.APIKeys).Len() == 0 {
		logger.WithField("provider", provider).Warn("No LLM api keys configured, using the offline generator")
		provider = "offline"
	}
	switch provider {
	case "gemini":
		return services.NewGeminiGenerator(gc)
	case "openai":
		return services.NewOpenAIGenerator(gc)
	default:
		return services.NewOfflineGenerator()
	}
}

func newBreaker(cc config.CircuitBreakerConfig) *services.CircuitBreaker {
	bc := services.BreakerConfig{
		MaxFailures:     cc.MaxFailures,
		ResetTimeout:    cc.ResetTimeout,
		HalfOpenMaxReqs: cc.HalfOpenMaxReqs,
	}
	if !cc.Enabled {
		bc.MaxFailures = math.MaxInt32
	}
	return services.NewCircuitBreaker(bc)
}

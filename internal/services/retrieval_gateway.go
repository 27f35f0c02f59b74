package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Answer is a generated reply and the knowledge sources it was grounded on.
type Answer struct {
	Text     string   `json:"text"`
	Sources  []string `json:"sources"`
	Strategy string   `json:"strategy"`
}

// RetrievalGateway answers a question given the session history and a top-k budget.
type RetrievalGateway interface {
	Answer(ctx context.Context, question string, history []Turn, k int) (*Answer, error)
}

// KnowledgeHit is one similarity search result.
type KnowledgeHit struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Retriever runs a top-k similarity search over the knowledge base.
type Retriever interface {
	SimilaritySearch(ctx context.Context, query string, k int) ([]KnowledgeHit, error)
}

// GenerationRequest is what a Generator receives. Prompt is fully rendered;
// the structured fields are there for generators that build their own.
type GenerationRequest struct {
	Question string
	History  []Turn
	Context  []KnowledgeHit
	Prompt   string
}

// Generator produces answer text. It returns an error wrapping ErrRateLimited
// when the provider throttles the credential.
type Generator interface {
	Name() string
	Generate(ctx context.Context, credential string, req *GenerationRequest) (string, error)
}

const (
	StrategyKnowledgeService = "knowledge_service"
	StrategyLocal            = "local"
	StrategyNone             = "none"
)

var errNoKnowledgeSource = errors.New("all knowledge sources unavailable")

type GatewayMetrics struct {
	Queries          atomic.Int64
	Failures         atomic.Int64
	RemoteHits       atomic.Int64
	LocalHits        atomic.Int64
	LastLatencyMilli atomic.Int64
}

type RAGGatewayOptions struct {
	Primary   Retriever // remote knowledge service, optional
	Fallback  Retriever // local knowledge base, optional
	Breaker   *CircuitBreaker
	Generator Generator
	Policy    *RetryPolicy
}

// RAGGateway retrieves context and generates an answer through the retry policy.
type RAGGateway struct {
	primary   Retriever
	fallback  Retriever
	breaker   *CircuitBreaker
	generator Generator
	policy    *RetryPolicy
	metrics   *GatewayMetrics
	logger    *logrus.Logger
}

var _ RetrievalGateway = (*RAGGateway)(nil)

func NewRAGGateway(opts RAGGatewayOptions, logger *logrus.Logger) *RAGGateway {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(DefaultBreakerConfig())
	}
	if opts.Policy == nil {
		opts.Policy = &RetryPolicy{MaxAttempts: 1, Logger: logger}
	}
	if opts.Generator == nil {
		opts.Generator = NewOfflineGenerator()
	}
	return &RAGGateway{
		primary:   opts.Primary,
		fallback:  opts.Fallback,
		breaker:   opts.Breaker,
		generator: opts.Generator,
		policy:    opts.Policy,
		metrics:   &GatewayMetrics{},
		logger:    logger,
	}
}

func (g *RAGGateway) Answer(ctx context.Context, question string, history []Turn, k int) (*Answer, error) {
	ctx, span := otel.Tracer("careline/services").Start(ctx, "RAGGateway.Answer",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("rag.k", k)))
	defer span.End()

	started := time.Now()
	g.metrics.Queries.Add(1)

	hits, strategy, err := g.retrieve(ctx, retrievalQuery(question, history), k)
	if err != nil {
		g.metrics.Failures.Add(1)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: retrieval: %w", ErrUpstreamUnavailable, err)
	}
	span.SetAttributes(
		attribute.String("rag.strategy", strategy),
		attribute.Int("rag.hits", len(hits)),
	)

	req := &GenerationRequest{
		Question: question,
		History:  history,
		Context:  hits,
		Prompt:   BuildPrompt(question, history, hits),
	}
	var text string
	err = g.policy.Do(ctx, func(ctx context.Context, credential string) error {
		out, err := g.generator.Generate(ctx, credential, req)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return errors.New("empty answer")
		}
		text = strings.TrimSpace(out)
		return nil
	})
	if err != nil {
		g.metrics.Failures.Add(1)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, g.generator.Name(), err)
	}

	g.metrics.LastLatencyMilli.Store(time.Since(started).Milliseconds())
	return &Answer{Text: text, Sources: sourcesOf(hits), Strategy: strategy}, nil
}

// retrieve tries the knowledge service behind the breaker, then the local base.
func (g *RAGGateway) retrieve(ctx context.Context, query string, k int) ([]KnowledgeHit, string, error) {
	if g.primary == nil && g.fallback == nil {
		return nil, StrategyNone, nil
	}

	if g.primary != nil && g.breaker.Allow() {
		hits, err := g.primary.SimilaritySearch(ctx, query, k)
		if err == nil {
			g.breaker.OnSuccess()
			if len(hits) > 0 || g.fallback == nil {
				g.metrics.RemoteHits.Add(1)
				return hits, StrategyKnowledgeService, nil
			}
		} else {
			g.breaker.OnFailure()
			g.logger.WithError(err).Warn("Knowledge service search failed")
			if ctx.Err() != nil {
				return nil, StrategyNone, ctx.Err()
			}
		}
	}

	if g.fallback != nil {
		hits, err := g.fallback.SimilaritySearch(ctx, query, k)
		if err != nil {
			return nil, StrategyNone, fmt.Errorf("local knowledge base: %w", err)
		}
		g.metrics.LocalHits.Add(1)
		return hits, StrategyLocal, nil
	}
	return nil, StrategyNone, errNoKnowledgeSource
}

// Stats reports gateway counters for the health endpoint.
func (g *RAGGateway) Stats() map[string]interface{} {
	return map[string]interface{}{
		"generator":       g.generator.Name(),
		"queries":         g.metrics.Queries.Load(),
		"failures":        g.metrics.Failures.Load(),
		"remote_hits":     g.metrics.RemoteHits.Load(),
		"local_hits":      g.metrics.LocalHits.Load(),
		"last_latency_ms": g.metrics.LastLatencyMilli.Load(),
		"circuit_breaker": g.breaker.Stats(),
	}
}

// retrievalQuery folds the previous question into short follow-ups such as
// "and their timings?" so the search has a subject to match on.
func retrievalQuery(question string, history []Turn) string {
	if len(history) == 0 || len(strings.Fields(question)) > 6 {
		return question
	}
	return history[len(history)-1].Question + " " + question
}

const systemInstruction = "You are the virtual assistant of a hospital website. " +
	"Answer questions about departments, doctors, services, timings and appointments " +
	"using only the hospital information provided. If the information does not cover the question, " +
	"say so briefly and suggest contacting the hospital or requesting a human agent. " +
	"Do not give medical diagnoses. Keep answers short and friendly."

// BuildPrompt renders the generation prompt.
func BuildPrompt(question string, history []Turn, hits []KnowledgeHit) string {
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\n")

	if len(hits) > 0 {
		b.WriteString("Hospital information:\n")
		for i, h := range hits {
			fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, firstNonEmpty(h.Source, h.Title, h.ID), h.Content)
		}
	} else {
		b.WriteString("No matching hospital information was found.\n\n")
	}

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Question, t.Answer)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "User: %s\nAssistant:", question)
	return b.String()
}

func sourcesOf(hits []KnowledgeHit) []string {
	seen := make(map[string]bool, len(hits))
	sources := make([]string, 0, len(hits))
	for _, h := range hits {
		src := firstNonEmpty(h.Source, h.Title, h.ID)
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		sources = append(sources, src)
	}
	return sources
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/llm"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/telemetry"
)

// AgentState is a step of one answer orchestration.
type AgentState string

const (
	StateEmbedding  AgentState = "embedding"
	StateRetrieving AgentState = "retrieving"
	StateComposing  AgentState = "composing"
	StateGenerating AgentState = "generating"
	StateDeciding   AgentState = "deciding"
	StateDone       AgentState = "done"
	StateFailed     AgentState = "failed"
)

// agentTransitions lists the legal successors of each state. Failed is
// reachable from every non-terminal state.
var agentTransitions = map[AgentState][]AgentState{
	StateEmbedding:  {StateRetrieving, StateComposing, StateFailed},
	StateRetrieving: {StateComposing, StateFailed},
	StateComposing:  {StateGenerating, StateFailed},
	StateGenerating: {StateDeciding, StateFailed},
	StateDeciding:   {StateDone, StateFailed},
}

// DefaultFallbackAnswer is returned as content when generation fails.
const DefaultFallbackAnswer = "Thanks for your message. We could not prepare an automatic answer right now, " +
	"so a member of our support team will follow up with you shortly."

// Searcher is the retrieval step of the orchestrator.
type Searcher interface {
	Search(ctx context.Context, tenantID string, vector []float32, limit int, filters domain.SearchFilters) ([]domain.RetrievalHit, error)
}

// Generator produces a completion for a composed prompt.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

type AgentConfig struct {
	SearchLimit    int
	Temperature    float32
	MaxTokens      int
	FallbackAnswer string
}

// AgentService answers a customer query: embed, retrieve, compose,
// generate, decide. A well-formed request always ends in done unless the
// caller cancels.
type AgentService struct {
	embedder  QueryEmbedder
	searcher  Searcher
	composer  *PromptComposer
	generator Generator
	policy    *EscalationPolicy
	cfg       AgentConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	observe   func(from, to AgentState)
}

type AgentOption func(*AgentService)

func WithAgentMetrics(m *metrics.Metrics) AgentOption {
	return func(s *AgentService) { s.metrics = m }
}

func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(s *AgentService) { s.logger = l }
}

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(from, to AgentState)) AgentOption {
	return func(s *AgentService) { s.observe = fn }
}

func NewAgentService(
	embedder QueryEmbedder,
	searcher Searcher,
	composer *PromptComposer,
	generator Generator,
	policy *EscalationPolicy,
	cfg AgentConfig,
	opts ...AgentOption,
) *AgentService {
	if strings.TrimSpace(cfg.FallbackAnswer) == "" {
		cfg.FallbackAnswer = DefaultFallbackAnswer
	}
	s := &AgentService{
		embedder:  embedder,
		searcher:  searcher,
		composer:  composer,
		generator: generator,
		policy:    policy,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type AnswerInput struct {
	TenantID string
	Query    string
	History  []domain.Message
	Filters  domain.SearchFilters
	Limit    int
}

type agentRun struct {
	svc   *AgentService
	ctx   context.Context
	state AgentState
}

func (r *agentRun) advance(next AgentState) error {
	allowed := agentTransitions[r.state]
	ok := false
	for _, s := range allowed {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("illegal agent transition %s -> %s", r.state, next)
	}

	r.svc.logger.DebugContext(r.ctx, "agent transition", "from", r.state, "to", next)
	if r.svc.observe != nil {
		r.svc.observe(r.state, next)
	}
	r.state = next
	return nil
}

// fail moves to failed and returns the caller's cancellation cause.
func (r *agentRun) fail() error {
	_ = r.advance(StateFailed)
	r.svc.metrics.ObserveAnswer("failed", "")
	return r.ctx.Err()
}

func (s *AgentService) Answer(ctx context.Context, input AnswerInput) (*domain.AgentResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "AgentService.Answer", telemetry.SpanAttributes{
		TenantID:  input.TenantID,
		Operation: "answer",
	})
	defer span.End()

	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}

	run := &agentRun{svc: s, ctx: ctx, state: StateEmbedding}

	var hits []domain.RetrievalHit
	vector, err := s.embedder.Embed(ctx, query)
	switch {
	case ctx.Err() != nil:
		return nil, run.fail()
	case err != nil:
		s.logger.WarnContext(ctx, "query embedding failed, answering without context",
			"tenant_id", input.TenantID, "error", err)
	default:
		if err := run.advance(StateRetrieving); err != nil {
			return nil, err
		}
		hits, err = s.searcher.Search(ctx, input.TenantID, vector, s.searchLimit(input.Limit), input.Filters)
		if ctx.Err() != nil {
			return nil, run.fail()
		}
		if err != nil {
			s.logger.WarnContext(ctx, "retrieval failed, answering without context",
				"tenant_id", input.TenantID, "error", err)
			hits = nil
		}
	}

	if err := run.advance(StateComposing); err != nil {
		return nil, err
	}
	prompt := s.composer.Compose(query, hits, input.History)

	if err := run.advance(StateGenerating); err != nil {
		return nil, err
	}
	var answer *string
	var modelID string
	completion, err := s.generator.Generate(ctx, llm.Request{
		System:      prompt.System,
		Prompt:      prompt.User,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	switch {
	case ctx.Err() != nil:
		return nil, run.fail()
	case err != nil:
		s.logger.ErrorContext(ctx, "generation failed", "tenant_id", input.TenantID, "error", err)
		telemetry.CaptureError(ctx, err)
	default:
		answer = &completion.Content
		modelID = completion.ModelID
	}

	if err := run.advance(StateDeciding); err != nil {
		return nil, err
	}
	decision := s.policy.Decide(query, answer, hits)

	if err := run.advance(StateDone); err != nil {
		return nil, err
	}

	result := &domain.AgentResult{
		Content:          s.cfg.FallbackAnswer,
		Escalate:         decision.Escalate,
		EscalationReason: decision.Reason,
		HitsUsed:         prompt.Included,
		ModelID:          modelID,
	}
	if answer != nil {
		result.Content = *answer
	}

	outcome := "direct"
	if decision.Escalate {
		outcome = "escalated"
	}
	s.metrics.ObserveAnswer(outcome, decision.Reason)
	s.logger.InfoContext(ctx, "answer produced",
		"tenant_id", input.TenantID,
		"hits", len(hits),
		"hits_used", len(prompt.Included),
		"escalate", decision.Escalate,
		"reason", decision.Reason,
	)
	return result, nil
}

func (s *AgentService) searchLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	return s.cfg.SearchLimit
}

// Package pipeline orchestrates one chat turn end-to-end: session
// resolution, filtered retrieval, reranking, grounded generation, source
// formatting, and best-effort persistence. Provider failures after session
// resolution degrade to defined fallback values; every such path still
// returns a well-formed result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/budget"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/ledger"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

// Fixed prompt scaffolding and localized fallback strings. The service
// answers in Arabic; callers receive one of these strings verbatim when a
// step degrades, never a raw provider error.
const (
	systemPrompt = "أنت مساعد الذكاء الاصطناعي. أجب على السؤال التالي بناءً على السياق المقدم فقط. " +
		"كن دقيقاً وموجزاً. إذا كانت المعلومات غير موجودة في السياق، قل بوضوح 'المعلومات غير متوفرة في المستند المقدم'. " +
		"لا تختلق إجابات خارج السياق المقدم. استخدم اللغة العربية فقط للإجابة."

	userPromptTemplate = "السياق:\n%s\n\nالسؤال: %s"

	// noContextSentinel replaces the context string when retrieval produced
	// nothing, so generation always receives well-formed input.
	noContextSentinel = "لا يوجد سياق متاح من المستندات المرجعية."

	// rerankedEmptySentinel replaces the context string when reranking
	// succeeded but kept no documents.
	rerankedEmptySentinel = "لا يوجد سياق متاح بعد إعادة الترتيب."

	// genericErrorAnswer is returned when generation fails or yields nothing.
	genericErrorAnswer = "عذراً، حدث خطأ أثناء محاولة إنشاء الإجابة."

	// blockedAnswerFormat is returned when the provider blocks generation;
	// the verb names the provider's block reason.
	blockedAnswerFormat = "عذراً، لا يمكنني إنشاء رد بسبب قيود السلامة (%s)."

	// contextSeparator joins chunk texts into the context string.
	contextSeparator = "\n\n---\n\n"
)

// ErrInvalidRequest marks requests missing a session id or query.
var ErrInvalidRequest = errors.New("pipeline: invalid request")

// Config holds the fixed pipeline tuning constants.
type Config struct {
	// TopK is the retrieval candidate count.
	TopK int
	// TopN is the rerank result count (TopN < TopK).
	TopN int
	// ProviderTimeout bounds each provider call (0 = no bound). A timeout
	// is treated identically to a provider error at that step.
	ProviderTimeout time.Duration
	// ContextMaxTokens caps the assembled context (0 = budget default).
	ContextMaxTokens int
}

// TurnRequest is one incoming chat turn.
type TurnRequest struct {
	// SessionID identifies the conversation log row. Required.
	SessionID string `json:"session_id"`
	// Query is the user's question. Required.
	Query string `json:"query"`
	// ConversationID is an optional external conversation identity.
	ConversationID string `json:"conversation_id,omitempty"`
}

// TurnResult is the complete outcome of one turn. It is always returned for
// provider-level failures; only session resolution failure raises instead.
type TurnResult struct {
	// TurnID uniquely identifies this turn for feedback.
	TurnID string `json:"query_id"`
	// Query echoes the question.
	Query string `json:"query"`
	// Answer is the generated text or a fixed localized fallback string.
	Answer string `json:"answer"`
	// Sources are the references considered for the answer.
	Sources []ledger.SourceRef `json:"sources"`
	// LatencyMS is the end-to-end turn latency in milliseconds.
	LatencyMS float64 `json:"latency_ms"`
	// SessionID echoes the session.
	SessionID string `json:"session_id"`
	// ConversationID echoes the optional conversation identity.
	ConversationID string `json:"conversation_id,omitempty"`
}

// Pipeline runs chat turns. All collaborators are shared across concurrent
// turns; their calls are stateless request/response.
type Pipeline struct {
	retriever rag.Retriever
	reranker  rag.Reranker
	generator rag.Generator
	sessions  ledger.SessionLedger
	cfg       Config
	log       *slog.Logger
}

// New constructs a Pipeline. TopK defaults to 10 and TopN to 3 when unset.
func New(retriever rag.Retriever, reranker rag.Reranker, generator rag.Generator, sessions ledger.SessionLedger, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if retriever == nil || generator == nil || sessions == nil {
		return nil, fmt.Errorf("pipeline: retriever, generator, and sessions are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	return &Pipeline{
		retriever: retriever,
		reranker:  reranker,
		generator: generator,
		sessions:  sessions,
		cfg:       cfg,
		log:       log,
	}, nil
}

// candidate is one retrieved chunk flowing through rerank and source
// formatting.
type candidate struct {
	point       rag.ScoredPoint
	text        string
	rerankScore *float64
}

// ProcessTurn runs one turn through every pipeline step. It returns an error
// only for invalid input or when the session ledger is unreachable at turn
// start; every later failure degrades to a fallback value inside the result.
func (p *Pipeline) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}

	start := time.Now()
	turnID := uuid.NewString()
	log := p.log.With(
		slog.String("session_id", req.SessionID),
		slog.String("turn_id", turnID),
	)

	// Session resolution is the only fatal step: without a session row there
	// is nowhere to log the turn.
	if _, err := p.sessions.GetOrCreate(ctx, req.SessionID, "", req.ConversationID); err != nil {
		return nil, fmt.Errorf("pipeline: resolve session: %w", err)
	}

	candidates := p.retrieve(ctx, log, req.Query)
	candidates, reranked := p.rerank(ctx, log, req.Query, candidates)
	contextString := p.assembleContext(log, req.Query, candidates, reranked)
	answer := p.generate(ctx, log, contextString, req.Query)
	sources := p.formatSources(req.SessionID, candidates)

	result := &TurnResult{
		TurnID:         turnID,
		Query:          req.Query,
		Answer:         answer,
		Sources:        sources,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
	}

	// Persistence is best-effort: a lost log entry is reported, not a reason
	// to fail the user-visible request.
	if err := p.sessions.AppendTurn(ctx, req.SessionID, ledger.Turn{
		TurnID:         turnID,
		Query:          req.Query,
		Answer:         answer,
		Sources:        sources,
		ConversationID: req.ConversationID,
	}); err != nil {
		log.Error("pipeline: failed to log turn", slog.Any("error", err))
	}

	result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	log.Info("pipeline: turn complete",
		slog.Int("sources", len(sources)),
		slog.Bool("reranked", reranked),
		slog.Float64("latency_ms", result.LatencyMS),
	)
	return result, nil
}

// retrieve fetches the top-K candidates. Retrieval failure is non-fatal and
// degrades to an empty candidate list.
func (p *Pipeline) retrieve(ctx context.Context, log *slog.Logger, query string) []candidate {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	points, err := p.retriever.Retrieve(ctx, query, p.cfg.TopK)
	if err != nil {
		log.Error("pipeline: retrieval failed, continuing without context", slog.Any("error", err))
		return nil
	}

	candidates := make([]candidate, 0, len(points))
	for _, pt := range points {
		candidates = append(candidates, candidate{point: pt, text: chunkText(pt.Point)})
	}
	return candidates
}

// rerank reorders candidates by relevance, keeping the top-N. On provider
// error the unranked candidate list is kept so context is never dropped.
// Reports whether reranking actually took place. The rerank provider is
// never called with an empty candidate list.
func (p *Pipeline) rerank(ctx context.Context, log *slog.Logger, query string, candidates []candidate) ([]candidate, bool) {
	if len(candidates) == 0 || p.reranker == nil {
		return candidates, false
	}

	ctx, cancel := p.bound(ctx)
	defer cancel()

	documents := make([]string, 0, len(candidates))
	for _, c := range candidates {
		documents = append(documents, c.text)
	}

	results, err := p.reranker.Rerank(ctx, query, documents, p.cfg.TopN)
	if err != nil {
		log.Warn("pipeline: rerank failed, falling back to unranked candidates",
			slog.Int("candidates", len(candidates)),
			slog.Any("error", err),
		)
		return candidates, false
	}

	ranked := make([]candidate, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		c := candidates[r.Index]
		score := r.Score
		c.rerankScore = &score

		// Annotate a copy of the payload so the stored source metadata
		// carries the rerank outcome without mutating the shared search
		// result.
		payload := make(map[string]any, len(c.point.Payload)+2)
		for k, v := range c.point.Payload {
			payload[k] = v
		}
		payload["rerank_score"] = r.Score
		payload["original_retrieval_rank"] = r.Index
		c.point.Payload = payload

		ranked = append(ranked, c)
	}
	return ranked, true
}

// assembleContext joins candidate texts into the context string, trimming
// the least relevant texts to the token budget. With no texts a fixed
// sentinel is substituted: the reranked-to-empty one when reranking ran,
// the no-context one otherwise.
func (p *Pipeline) assembleContext(log *slog.Logger, query string, candidates []candidate, reranked bool) string {
	sentinel := noContextSentinel
	if reranked {
		sentinel = rerankedEmptySentinel
	}

	texts := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.text != "" {
			texts = append(texts, c.text)
		}
	}
	if len(texts) == 0 {
		return sentinel
	}

	fixed := systemPrompt + query
	trimmed := budget.TrimContexts(fixed, texts, p.cfg.ContextMaxTokens)
	if len(trimmed) < len(texts) {
		log.Warn("pipeline: context trimmed to token budget",
			slog.Int("kept", len(trimmed)),
			slog.Int("dropped", len(texts)-len(trimmed)),
		)
	}
	if len(trimmed) == 0 {
		return sentinel
	}
	return strings.Join(trimmed, contextSeparator)
}

// generate calls the generation provider and maps its three outcomes onto
// the answer: text on success, a localized safety apology naming the block
// reason, or a localized generic error string. Never fatal to the turn.
func (p *Pipeline) generate(ctx context.Context, log *slog.Logger, contextString, query string) string {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	prompt := fmt.Sprintf(userPromptTemplate, contextString, query)
	result, err := p.generator.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		log.Error("pipeline: generation failed", slog.Any("error", err))
		return genericErrorAnswer
	}
	if result.Blocked {
		log.Error("pipeline: generation blocked", slog.String("reason", result.BlockReason))
		return fmt.Sprintf(blockedAnswerFormat, result.BlockReason)
	}
	if result.Text == "" {
		log.Error("pipeline: generation returned empty text")
		return genericErrorAnswer
	}
	return result.Text
}

// formatSources builds the source references for the candidates considered:
// the post-rerank list when reranking happened, the retrieval list
// otherwise. Relevance is the rerank score when present, else the store's
// similarity score.
func (p *Pipeline) formatSources(sessionID string, candidates []candidate) []ledger.SourceRef {
	sources := make([]ledger.SourceRef, 0, len(candidates))
	for i, c := range candidates {
		payload := c.point.Payload

		sourceFile, _ := payload["source_file"].(string)
		if sourceFile == "" {
			sourceFile = "Unknown File"
		}
		chunkIndex := i
		if idx, ok := payloadInt(payload, "chunk_index"); ok {
			chunkIndex = idx
		}

		score := c.rerankScore
		if score == nil {
			s := float64(c.point.Score)
			score = &s
		}

		// The snippet is the full chunk text; the stored preview field is
		// only a fallback for points with no text.
		snippet := c.text
		if snippet == "" {
			snippet, _ = payload["text_snippet"].(string)
		}

		sources = append(sources, ledger.SourceRef{
			ID: fmt.Sprintf("session:%s:file:%s_chunkidx:%d_pointid:%s",
				sessionID, sourceFile, chunkIndex, c.point.ID),
			Snippet:  snippet,
			Score:    score,
			Metadata: payload,
		})
	}
	return sources
}

// bound applies the per-call provider timeout when configured.
func (p *Pipeline) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ProviderTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.ProviderTimeout)
}

// chunkText extracts the chunk's text from its payload, falling back to the
// raw content field.
func chunkText(pt rag.Point) string {
	if text, ok := pt.Payload["chunk_full_text"].(string); ok && text != "" {
		return text
	}
	if raw, ok := pt.Payload["content"].(string); ok {
		return raw
	}
	return ""
}

// payloadInt reads an integer payload value regardless of the store's
// numeric representation.
func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

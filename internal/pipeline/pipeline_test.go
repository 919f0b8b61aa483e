package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/ledger"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

type fakeRetriever struct {
	points []rag.ScoredPoint
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int) ([]rag.ScoredPoint, error) {
	f.calls++
	return f.points, f.err
}

type fakeReranker struct {
	results []rag.RerankResult
	err     error
	calls   int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, _ []string, _ int) ([]rag.RerankResult, error) {
	f.calls++
	return f.results, f.err
}

type fakeGenerator struct {
	result *rag.GenerationResult
	err    error
	prompt string
	system string
}

func (f *fakeGenerator) Generate(_ context.Context, systemInstruction, prompt string) (*rag.GenerationResult, error) {
	f.system = systemInstruction
	f.prompt = prompt
	return f.result, f.err
}

type fakeLedger struct {
	getOrCreateErr error
	appendErr      error
	appended       []ledger.Turn
	feedback       map[string]int
}

func (f *fakeLedger) GetOrCreate(_ context.Context, sessionID, userID, conversationID string) (*ledger.Session, error) {
	if f.getOrCreateErr != nil {
		return nil, f.getOrCreateErr
	}
	return &ledger.Session{SessionID: sessionID, UserID: userID, ConversationID: conversationID}, nil
}

func (f *fakeLedger) AppendTurn(_ context.Context, _ string, turn ledger.Turn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, turn)
	return nil
}

func (f *fakeLedger) SetFeedback(_ context.Context, _, turnID string, rating int) (bool, error) {
	if f.feedback == nil {
		f.feedback = map[string]int{}
	}
	f.feedback[turnID] = rating
	return true, nil
}

func (f *fakeLedger) Get(_ context.Context, sessionID string) (*ledger.Session, bool, error) {
	return &ledger.Session{SessionID: sessionID}, true, nil
}

func (f *fakeLedger) Close() error { return nil }

func chunkPoint(id, text, file string, index int, score float32) rag.ScoredPoint {
	return rag.ScoredPoint{
		Point: rag.Point{
			ID: id,
			Payload: map[string]any{
				"source_type":     "document_chunk",
				"source_file":     file,
				"chunk_index":     int64(index),
				"chunk_full_text": text,
				"text_snippet":    text,
			},
		},
		Score: score,
	}
}

func newTestPipeline(t *testing.T, retriever *fakeRetriever, reranker *fakeReranker, generator *fakeGenerator, sessions *fakeLedger) *Pipeline {
	t.Helper()
	p, err := New(retriever, reranker, generator, sessions, Config{TopK: 10, TopN: 2}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return p
}

func TestProcessTurn_Success(t *testing.T) {
	retriever := &fakeRetriever{points: []rag.ScoredPoint{
		chunkPoint("p0", "النص الأول", "doc.txt", 0, 0.81),
		chunkPoint("p1", "النص الثاني", "doc.txt", 1, 0.64),
	}}
	reranker := &fakeReranker{results: []rag.RerankResult{
		{Index: 1, Score: 0.97},
		{Index: 0, Score: 0.40},
	}}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "الإجابة المولدة"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, reranker, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{
		SessionID:      "sess-1",
		Query:          "ما هو النص؟",
		ConversationID: "conv-9",
	})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}

	if result.Answer != "الإجابة المولدة" {
		t.Errorf("Answer = %q, want the generated text", result.Answer)
	}
	if result.TurnID == "" {
		t.Error("TurnID is empty")
	}
	if result.SessionID != "sess-1" || result.ConversationID != "conv-9" {
		t.Errorf("identity fields = %q/%q, want echo of the request", result.SessionID, result.ConversationID)
	}
	if result.LatencyMS < 0 {
		t.Errorf("LatencyMS = %v, want >= 0", result.LatencyMS)
	}

	// Reranked order: p1 first with the rerank score attached.
	if len(result.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(result.Sources))
	}
	wantID := "session:sess-1:file:doc.txt_chunkidx:1_pointid:p1"
	if result.Sources[0].ID != wantID {
		t.Errorf("Sources[0].ID = %q, want %q", result.Sources[0].ID, wantID)
	}
	if result.Sources[0].Score == nil || *result.Sources[0].Score != 0.97 {
		t.Errorf("Sources[0].Score = %v, want the rerank score 0.97", result.Sources[0].Score)
	}

	// The prompt embeds the reranked context joined by the separator.
	if !strings.Contains(generator.prompt, "النص الثاني\n\n---\n\nالنص الأول") {
		t.Errorf("prompt context not in reranked order:\n%s", generator.prompt)
	}
	if !strings.Contains(generator.prompt, "السؤال: ما هو النص؟") {
		t.Errorf("prompt missing the question:\n%s", generator.prompt)
	}
	if generator.system == "" {
		t.Error("system instruction not passed to generator")
	}

	// Turn persisted with the same values.
	if len(sessions.appended) != 1 {
		t.Fatalf("appended %d turns, want 1", len(sessions.appended))
	}
	turn := sessions.appended[0]
	if turn.TurnID != result.TurnID || turn.Answer != result.Answer || len(turn.Sources) != 2 {
		t.Errorf("persisted turn = %+v, want the returned result", turn)
	}
}

func TestProcessTurn_RerankAnnotatesSourceMetadata(t *testing.T) {
	retriever := &fakeRetriever{points: []rag.ScoredPoint{
		chunkPoint("p0", "نص أ", "doc.txt", 0, 0.81),
		chunkPoint("p1", "نص ب", "doc.txt", 1, 0.64),
	}}
	reranker := &fakeReranker{results: []rag.RerankResult{
		{Index: 1, Score: 0.99},
	}}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, reranker, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}
	if len(result.Sources) != 1 {
		t.Fatalf("got %d sources, want 1", len(result.Sources))
	}

	meta := result.Sources[0].Metadata
	if got, ok := meta["rerank_score"].(float64); !ok || got != 0.99 {
		t.Errorf("metadata rerank_score = %v, want 0.99", meta["rerank_score"])
	}
	if got, ok := meta["original_retrieval_rank"].(int); !ok || got != 1 {
		t.Errorf("metadata original_retrieval_rank = %v, want 1", meta["original_retrieval_rank"])
	}

	// The annotation lands in the persisted turn too.
	if len(sessions.appended) != 1 || len(sessions.appended[0].Sources) != 1 {
		t.Fatalf("persisted turn sources = %+v, want 1", sessions.appended)
	}
	if _, ok := sessions.appended[0].Sources[0].Metadata["rerank_score"]; !ok {
		t.Error("persisted source metadata missing rerank_score")
	}

	// The retriever's shared payload is left untouched.
	if _, ok := retriever.points[1].Payload["rerank_score"]; ok {
		t.Error("rerank annotation leaked into the shared search result payload")
	}
}

func TestProcessTurn_RerankedToEmptyUsesRerankSentinel(t *testing.T) {
	retriever := &fakeRetriever{points: []rag.ScoredPoint{
		chunkPoint("p0", "نص أ", "doc.txt", 0, 0.81),
	}}
	reranker := &fakeReranker{results: []rag.RerankResult{}}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, reranker, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}
	if !strings.Contains(generator.prompt, rerankedEmptySentinel) {
		t.Errorf("prompt missing the reranked-to-empty sentinel:\n%s", generator.prompt)
	}
	if strings.Contains(generator.prompt, noContextSentinel) {
		t.Error("prompt carries the retrieval sentinel after reranking ran")
	}
	if len(result.Sources) != 0 {
		t.Errorf("got %d sources, want 0", len(result.Sources))
	}
}

func TestProcessTurn_SourceSnippetIsFullChunkText(t *testing.T) {
	point := chunkPoint("p0", "النص الكامل للمقطع", "doc.txt", 0, 0.81)
	point.Payload["text_snippet"] = "النص"
	retriever := &fakeRetriever{points: []rag.ScoredPoint{point}}
	reranker := &fakeReranker{results: []rag.RerankResult{{Index: 0, Score: 0.5}}}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, reranker, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}
	if len(result.Sources) != 1 {
		t.Fatalf("got %d sources, want 1", len(result.Sources))
	}
	if result.Sources[0].Snippet != "النص الكامل للمقطع" {
		t.Errorf("Snippet = %q, want the full chunk text", result.Sources[0].Snippet)
	}
}

func TestProcessTurn_EmptyRetrievalUsesSentinel(t *testing.T) {
	retriever := &fakeRetriever{}
	reranker := &fakeReranker{}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, reranker, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}

	if reranker.calls != 0 {
		t.Errorf("reranker called %d times with no candidates, want 0", reranker.calls)
	}
	if !strings.Contains(generator.prompt, noContextSentinel) {
		t.Errorf("prompt missing the no-context sentinel:\n%s", generator.prompt)
	}
	if len(result.Sources) != 0 {
		t.Errorf("got %d sources, want 0", len(result.Sources))
	}
	if result.Answer != "إجابة" {
		t.Errorf("Answer = %q, generation should still run", result.Answer)
	}
}

func TestProcessTurn_RetrievalErrorDegradesToNoContext(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("qdrant unreachable")}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, &fakeReranker{}, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}
	if !strings.Contains(generator.prompt, noContextSentinel) {
		t.Error("prompt missing the no-context sentinel after retrieval error")
	}
	if result.Answer != "إجابة" {
		t.Errorf("Answer = %q, want the generated text", result.Answer)
	}
}

func TestProcessTurn_RerankErrorFallsBackToRetrieved(t *testing.T) {
	retriever := &fakeRetriever{points: []rag.ScoredPoint{
		chunkPoint("p0", "نص أ", "doc.txt", 0, 0.81),
		chunkPoint("p1", "نص ب", "doc.txt", 1, 0.64),
	}}
	reranker := &fakeReranker{err: errors.New("cohere down")}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, reranker, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}

	// Sources equal the retrieval results, in retrieval order, with the
	// store's similarity scores.
	if len(result.Sources) != 2 {
		t.Fatalf("got %d sources, want the 2 retrieved", len(result.Sources))
	}
	if !strings.Contains(result.Sources[0].ID, "pointid:p0") {
		t.Errorf("Sources[0].ID = %q, want retrieval order", result.Sources[0].ID)
	}
	if result.Sources[0].Score == nil || *result.Sources[0].Score != float64(float32(0.81)) {
		t.Errorf("Sources[0].Score = %v, want the store score", result.Sources[0].Score)
	}
	if result.Answer != "إجابة" {
		t.Errorf("Answer = %q, want an answer despite rerank failure", result.Answer)
	}
}

func TestProcessTurn_BlockedGeneration(t *testing.T) {
	retriever := &fakeRetriever{}
	generator := &fakeGenerator{result: &rag.GenerationResult{Blocked: true, BlockReason: "SAFETY"}}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, &fakeReranker{}, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}
	want := fmt.Sprintf(blockedAnswerFormat, "SAFETY")
	if result.Answer != want {
		t.Errorf("Answer = %q, want %q", result.Answer, want)
	}
}

func TestProcessTurn_GenerationErrorUsesGenericAnswer(t *testing.T) {
	retriever := &fakeRetriever{}
	generator := &fakeGenerator{err: errors.New("quota exceeded")}
	sessions := &fakeLedger{}

	p := newTestPipeline(t, retriever, &fakeReranker{}, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}
	if result.Answer != genericErrorAnswer {
		t.Errorf("Answer = %q, want the generic error string", result.Answer)
	}
	// The degraded turn is still persisted.
	if len(sessions.appended) != 1 {
		t.Errorf("appended %d turns, want 1", len(sessions.appended))
	}
}

func TestProcessTurn_PersistFailureStillReturnsResult(t *testing.T) {
	retriever := &fakeRetriever{}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{appendErr: errors.New("disk full")}

	p := newTestPipeline(t, retriever, &fakeReranker{}, generator, sessions)

	result, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"})
	if err != nil {
		t.Fatalf("ProcessTurn() failed: %v", err)
	}
	if result.Answer != "إجابة" {
		t.Errorf("Answer = %q, want the generated text despite persist failure", result.Answer)
	}
}

func TestProcessTurn_SessionResolutionFailureIsFatal(t *testing.T) {
	retriever := &fakeRetriever{}
	generator := &fakeGenerator{result: &rag.GenerationResult{Text: "إجابة"}}
	sessions := &fakeLedger{getOrCreateErr: errors.New("database locked")}

	p := newTestPipeline(t, retriever, &fakeReranker{}, generator, sessions)

	if _, err := p.ProcessTurn(context.Background(), TurnRequest{SessionID: "s", Query: "سؤال"}); err == nil {
		t.Fatal("expected error when the ledger is unreachable, got nil")
	}
	if retriever.calls != 0 {
		t.Errorf("retrieval ran %d times after fatal session failure, want 0", retriever.calls)
	}
}

func TestProcessTurn_InvalidRequest(t *testing.T) {
	p := newTestPipeline(t, &fakeRetriever{}, &fakeReranker{}, &fakeGenerator{result: &rag.GenerationResult{Text: "x"}}, &fakeLedger{})

	tests := []struct {
		name string
		req  TurnRequest
	}{
		{"missing session id", TurnRequest{Query: "سؤال"}},
		{"missing query", TurnRequest{SessionID: "s"}},
		{"blank query", TurnRequest{SessionID: "s", Query: "   "}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ProcessTurn(context.Background(), tc.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

// Package kb implements the knowledge base chunk store: CRUD over embedded
// text chunks kept in the vector store, with the invariant that a chunk's
// vector always corresponds to its full text. Records are tagged with a
// source type so unrelated points in the same collection never surface in
// retrieval or listing.
package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

// SourceTypeDocumentChunk tags retrievable knowledge chunks in the vector
// store payload.
const SourceTypeDocumentChunk = "document_chunk"

// Payload keys written by this package. The protected set can never be
// overwritten through metadata updates because they are derived from the
// chunk's identity and text.
const (
	keySourceType = "source_type"
	keySourceFile = "source_file"
	keyChunkIndex = "chunk_index"
	keyFullText   = "chunk_full_text"
	keySnippet    = "text_snippet"
	keyUploadedAt = "uploaded_at"
	keyModifiedAt = "modified_at"
)

// protectedKeys are metadata keys silently ignored (with a warning) when a
// caller tries to set them through Update.
var protectedKeys = map[string]bool{
	"point_id":    true,
	keySourceType: true,
	keyChunkIndex: true,
	keyFullText:   true,
	keySnippet:    true,
}

const (
	// snippetLen is the preview length in runes.
	snippetLen = 200

	// indexScanPageSize bounds each scroll page when computing the next
	// chunk index for a source file.
	indexScanPageSize = 256
)

// ErrValidation marks client-correctable failures (embedding errors during
// create/update) as distinct from infrastructure failures.
var ErrValidation = errors.New("kb: validation error")

// ChunkDetail is the full view of one knowledge chunk.
type ChunkDetail struct {
	// PointID is the vector store record id.
	PointID string `json:"point_id"`
	// Text is the authoritative full chunk text.
	Text string `json:"text_content"`
	// SourceFile is the originating file name.
	SourceFile string `json:"source_file"`
	// ChunkIndex is the chunk's position within its source file, assigned
	// at creation and never reused.
	ChunkIndex int `json:"chunk_index"`
	// Snippet is the derived text preview.
	Snippet string `json:"text_snippet"`
	// UploadedAt is the creation timestamp (RFC 3339).
	UploadedAt string `json:"uploaded_at,omitempty"`
	// ModifiedAt is the last update timestamp (RFC 3339), empty if never
	// updated.
	ModifiedAt string `json:"modified_at,omitempty"`
	// Metadata carries free-form extension fields.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeleteResult reports the outcome of a bulk delete.
type DeleteResult struct {
	// Status is "completed" when the store confirmed the delete, otherwise
	// "not_completed".
	Status string `json:"status"`
	// Message is a human-readable summary.
	Message string `json:"message"`
}

// Store provides CRUD over knowledge chunks. Safe for concurrent use.
type Store struct {
	// vectors persists the chunks.
	vectors rag.VectorStore
	// embedder computes document embeddings.
	embedder rag.Embedder
	// log receives consistency warnings.
	log *slog.Logger
}

// New constructs a chunk store over the given vector store and embedder.
func New(vectors rag.VectorStore, embedder rag.Embedder, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{vectors: vectors, embedder: embedder, log: log}
}

// Create embeds text and stores it as a new chunk for sourceFile. The chunk
// index is one past the highest existing index for that file. The embedding
// must succeed before anything is written; there is no partial write.
func (s *Store) Create(ctx context.Context, text, sourceFile string) (*ChunkDetail, error) {
	details, err := s.CreateBatch(ctx, []string{text}, sourceFile)
	if err != nil {
		return nil, err
	}
	return &details[0], nil
}

// CreateBatch embeds texts in one provider call and stores them as
// consecutive chunks for sourceFile. Used by ingestion.
func (s *Store) CreateBatch(ctx context.Context, texts []string, sourceFile string) ([]ChunkDetail, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts to create", ErrValidation)
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w: text %d is empty", ErrValidation, i)
		}
	}

	nextIndex, err := s.nextChunkIndex(ctx, sourceFile)
	if err != nil {
		return nil, err
	}

	vectors, err := s.embedder.Embed(ctx, texts, rag.IntentDocument)
	if err != nil {
		return nil, fmt.Errorf("%w: embed chunks: %v", ErrValidation, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("kb: expected %d embeddings, got %d", len(texts), len(vectors))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	points := make([]rag.Point, 0, len(texts))
	details := make([]ChunkDetail, 0, len(texts))
	for i, text := range texts {
		detail := ChunkDetail{
			PointID:    uuid.NewString(),
			Text:       text,
			SourceFile: sourceFile,
			ChunkIndex: nextIndex + i,
			Snippet:    snippet(text),
			UploadedAt: now,
		}
		points = append(points, rag.Point{
			ID:      detail.PointID,
			Vector:  vectors[i],
			Payload: payloadFromDetail(&detail),
		})
		details = append(details, detail)
	}

	if err := s.vectors.Upsert(ctx, points); err != nil {
		return nil, fmt.Errorf("kb: store chunks: %w", err)
	}
	return details, nil
}

// Get returns the chunk for pointID, or ok=false when it does not exist.
func (s *Store) Get(ctx context.Context, pointID string) (*ChunkDetail, bool, error) {
	records, err := s.vectors.Retrieve(ctx, []string{pointID}, false)
	if err != nil {
		return nil, false, fmt.Errorf("kb: fetch chunk: %w", err)
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	detail := s.detailFromPoint(records[0])
	return &detail, true, nil
}

// List returns one page of chunks, always restricted to knowledge chunks and
// optionally to one source file. cursor is the opaque token from a previous
// page ("" for the first); the returned cursor is "" on the last page.
func (s *Store) List(ctx context.Context, sourceFile string, limit int, cursor string) ([]ChunkDetail, string, error) {
	if limit <= 0 {
		limit = 50
	}

	points, next, err := s.vectors.Scroll(ctx, rag.Filter{
		SourceType: SourceTypeDocumentChunk,
		SourceFile: sourceFile,
	}, limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("kb: list chunks: %w", err)
	}

	details := make([]ChunkDetail, 0, len(points))
	for _, p := range points {
		details = append(details, s.detailFromPoint(p))
	}
	return details, next, nil
}

// Update modifies a chunk's text and/or metadata. When text is non-nil and
// differs from the stored value it is re-embedded before the write; the
// vector and text are never updated independently. Protected metadata keys
// are ignored with a warning. Returns ok=false when the chunk is unknown.
func (s *Store) Update(ctx context.Context, pointID string, text *string, metadataUpdates map[string]any) (*ChunkDetail, bool, error) {
	records, err := s.vectors.Retrieve(ctx, []string{pointID}, true)
	if err != nil {
		return nil, false, fmt.Errorf("kb: fetch chunk for update: %w", err)
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	existing := records[0]
	detail := s.detailFromPoint(existing)
	vector := existing.Vector

	if text != nil && *text != detail.Text {
		if *text == "" {
			return nil, false, fmt.Errorf("%w: text must not be empty", ErrValidation)
		}
		vectors, err := s.embedder.Embed(ctx, []string{*text}, rag.IntentDocument)
		if err != nil {
			return nil, false, fmt.Errorf("%w: re-embed chunk: %v", ErrValidation, err)
		}
		vector = vectors[0]
		detail.Text = *text
		detail.Snippet = snippet(*text)
	}

	for k, v := range metadataUpdates {
		if protectedKeys[k] {
			s.log.Warn("kb: ignoring protected metadata key in update",
				slog.String("point_id", pointID),
				slog.String("key", k),
			)
			continue
		}
		switch k {
		case keySourceFile:
			if sf, ok := v.(string); ok {
				detail.SourceFile = sf
			}
		case keyUploadedAt, keyModifiedAt:
			// Timestamps are stamped by the store, not callers.
			s.log.Warn("kb: ignoring timestamp metadata key in update",
				slog.String("point_id", pointID),
				slog.String("key", k),
			)
		default:
			if detail.Metadata == nil {
				detail.Metadata = make(map[string]any)
			}
			detail.Metadata[k] = v
		}
	}

	detail.ModifiedAt = time.Now().UTC().Format(time.RFC3339)

	// Whole-record replace: the store patches nothing.
	if err := s.vectors.Upsert(ctx, []rag.Point{{
		ID:      pointID,
		Vector:  vector,
		Payload: payloadFromDetail(&detail),
	}}); err != nil {
		return nil, false, fmt.Errorf("kb: store updated chunk: %w", err)
	}

	return &detail, true, nil
}

// Delete removes one chunk. Returns false when the chunk does not exist.
func (s *Store) Delete(ctx context.Context, pointID string) (bool, error) {
	_, ok, err := s.Get(ctx, pointID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.vectors.Delete(ctx, []string{pointID}); err != nil {
		return false, fmt.Errorf("kb: delete chunk: %w", err)
	}
	return true, nil
}

// DeleteBySourceFile removes every chunk belonging to sourceFile. The store
// does not report a match count, so the result only distinguishes confirmed
// completion from non-completion.
func (s *Store) DeleteBySourceFile(ctx context.Context, sourceFile string) (*DeleteResult, error) {
	err := s.vectors.DeleteByFilter(ctx, rag.Filter{
		SourceType: SourceTypeDocumentChunk,
		SourceFile: sourceFile,
	})
	if errors.Is(err, rag.ErrNotCompleted) {
		return &DeleteResult{
			Status:  "not_completed",
			Message: fmt.Sprintf("delete for %q was acknowledged but not confirmed", sourceFile),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kb: delete by source file: %w", err)
	}
	return &DeleteResult{
		Status:  "completed",
		Message: fmt.Sprintf("deleted chunks for %q", sourceFile),
	}, nil
}

// nextChunkIndex scans the existing chunks for sourceFile and returns one
// past the highest chunk index (0 when the file has none). The scan pages
// through the store rather than loading the whole file's chunks at once.
func (s *Store) nextChunkIndex(ctx context.Context, sourceFile string) (int, error) {
	filter := rag.Filter{SourceType: SourceTypeDocumentChunk, SourceFile: sourceFile}
	maxIndex := -1
	cursor := ""
	for {
		points, next, err := s.vectors.Scroll(ctx, filter, indexScanPageSize, cursor)
		if err != nil {
			return 0, fmt.Errorf("kb: scan chunk indexes: %w", err)
		}
		for _, p := range points {
			if idx, ok := payloadInt(p.Payload, keyChunkIndex); ok && idx > maxIndex {
				maxIndex = idx
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return maxIndex + 1, nil
}

// detailFromPoint decodes a stored payload. A chunk whose full text is
// missing falls back to the raw content field when present; otherwise the
// inconsistency is logged and the text surfaces empty rather than failing
// the read.
func (s *Store) detailFromPoint(p rag.Point) ChunkDetail {
	detail := ChunkDetail{PointID: p.ID}

	text, ok := p.Payload[keyFullText].(string)
	if !ok || text == "" {
		if raw, rawOK := p.Payload["content"].(string); rawOK && raw != "" {
			text = raw
		} else {
			s.log.Warn("kb: chunk has no stored text",
				slog.String("point_id", p.ID),
			)
		}
	}
	detail.Text = text

	detail.SourceFile, _ = p.Payload[keySourceFile].(string)
	detail.Snippet, _ = p.Payload[keySnippet].(string)
	detail.UploadedAt, _ = p.Payload[keyUploadedAt].(string)
	detail.ModifiedAt, _ = p.Payload[keyModifiedAt].(string)
	if idx, ok := payloadInt(p.Payload, keyChunkIndex); ok {
		detail.ChunkIndex = idx
	}

	for k, v := range p.Payload {
		switch k {
		case keySourceType, keySourceFile, keyChunkIndex, keyFullText,
			keySnippet, keyUploadedAt, keyModifiedAt, "content":
		default:
			if detail.Metadata == nil {
				detail.Metadata = make(map[string]any)
			}
			detail.Metadata[k] = v
		}
	}

	return detail
}

// payloadFromDetail builds the flat payload written to the vector store.
func payloadFromDetail(d *ChunkDetail) map[string]any {
	payload := map[string]any{
		keySourceType: SourceTypeDocumentChunk,
		keySourceFile: d.SourceFile,
		keyChunkIndex: d.ChunkIndex,
		keyFullText:   d.Text,
		keySnippet:    d.Snippet,
	}
	if d.UploadedAt != "" {
		payload[keyUploadedAt] = d.UploadedAt
	}
	if d.ModifiedAt != "" {
		payload[keyModifiedAt] = d.ModifiedAt
	}
	for k, v := range d.Metadata {
		if !protectedKeys[k] {
			payload[k] = v
		}
	}
	return payload
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

// snippet returns the first snippetLen runes of text.
func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLen {
		return text
	}
	return string(runes[:snippetLen])
}

// Package ingestion implements the document ingestion pipeline.
// It reads local text files, splits the content into overlapping chunks,
// and stores them in the knowledge base, which embeds each chunk and
// upserts it into the vector store.
// This pipeline is invoked by the `arag ingest` CLI command.
package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/kb"
)

// Default chunking parameters, matching the sizes the knowledge base was
// originally populated with.
const (
	// DefaultChunkSize is the maximum number of characters per chunk.
	DefaultChunkSize = 900

	// DefaultChunkOverlap is the number of characters repeated between
	// consecutive chunks so sentences at a boundary survive in one piece.
	DefaultChunkOverlap = 100
)

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to DefaultChunkSize if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters to overlap between
	// consecutive chunks. Defaults to DefaultChunkOverlap if it is
	// negative or not smaller than ChunkSize.
	ChunkOverlap int
}

// chunkStore is the slice of the knowledge base the pipeline needs.
// *kb.Store satisfies it; tests inject a fake.
type chunkStore interface {
	CreateBatch(ctx context.Context, texts []string, sourceFile string) ([]kb.ChunkDetail, error)
}

// Pipeline orchestrates the read → chunk → store flow for a set of files.
type Pipeline struct {
	// store persists the chunks (embedding happens inside).
	store chunkStore

	// cfg holds the resolved pipeline configuration.
	cfg *Config
}

// NewPipeline constructs a Pipeline from the provided chunk store and config.
func NewPipeline(store chunkStore, cfg *Config) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}

	return &Pipeline{store: store, cfg: cfg}, nil
}

// Ingest reads, chunks, and stores all provided files. It processes files
// sequentially and returns the first error encountered. Progress is
// reported via the optional progress callback.
func (p *Pipeline) Ingest(ctx context.Context, paths []string, progress func(msg string)) error {
	if progress == nil {
		progress = func(string) {}
	}

	for _, path := range paths {
		progress(fmt.Sprintf("reading %s", path))

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("ingestion: read failed for %s: %w", path, err)
		}

		chunks := p.chunk(string(content))
		if len(chunks) == 0 {
			progress(fmt.Sprintf("skipping %s: no content", path))
			continue
		}
		progress(fmt.Sprintf("chunked %s into %d chunks", path, len(chunks)))

		sourceFile := filepath.Base(path)
		stored, err := p.store.CreateBatch(ctx, chunks, sourceFile)
		if err != nil {
			return fmt.Errorf("ingestion: store failed for %s: %w", path, err)
		}

		progress(fmt.Sprintf("ingested %d chunks from %s", len(stored), sourceFile))
	}

	return nil
}

// chunk splits text into overlapping chunks of cfg.ChunkSize characters.
// Offsets are in runes, never bytes, so Arabic text is never split inside
// a UTF-8 sequence.
func (p *Pipeline) chunk(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	size := p.cfg.ChunkSize
	overlap := p.cfg.ChunkOverlap

	for start := 0; start < len(runes); start += size - overlap {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}

	return chunks
}

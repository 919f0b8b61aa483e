package generator

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

// geminiSafetyOff disables all four configurable harm-category filters.
// Content moderation is the responsibility of the grounded prompt, not the
// provider filter; blocks that still occur (unconfigurable categories) are
// surfaced to the caller via the Blocked result variant.
var geminiSafetyOff = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
}

// GeminiGenerator implements rag.Generator against the Gemini API. It is
// built on google.golang.org/genai directly so the prompt-feedback block
// reason is observable. Safe for concurrent use.
type GeminiGenerator struct {
	// client is the shared genai API client.
	client *genai.Client
	// model is the generation model name.
	model string
	// sampling holds the fixed sampling parameters.
	sampling Sampling
}

// NewGeminiGenerator constructs a GeminiGenerator from the given provider
// config and sampling parameters.
func NewGeminiGenerator(ctx context.Context, cfg *ProviderGemini, sampling Sampling) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: create gemini client: %w", err)
	}
	return &GeminiGenerator{
		client:   client,
		model:    cfg.Model,
		sampling: sampling,
	}, nil
}

// Generate runs one completion. A block decision from the provider is
// reported as a Blocked result with the provider's reason, not as an error.
func (g *GeminiGenerator) Generate(ctx context.Context, systemInstruction, prompt string) (*rag.GenerationResult, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.sampling.Temperature),
		TopP:            genai.Ptr(g.sampling.TopP),
		MaxOutputTokens: int32(g.sampling.MaxOutputTokens), //nolint:gosec // bounded config value
		SafetySettings:  geminiSafetyOff,
	}
	if g.sampling.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(g.sampling.TopK))
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("generator: gemini generate failed: %w", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return &rag.GenerationResult{
			Blocked:     true,
			BlockReason: string(resp.PromptFeedback.BlockReason),
		}, nil
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("generator: gemini returned an empty response")
	}

	return &rag.GenerationResult{Text: text}, nil
}

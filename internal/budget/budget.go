// Package budget provides token budget estimation and context trimming for
// the answer pipeline. Because the service supports multiple generation
// backends with different tokenizers, this package uses a conservative
// character-based heuristic: 1 token ≈ 4 characters. This deliberately
// under-estimates token counts to leave headroom for model-specific overhead.
package budget

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for Latin prose; Arabic averages
	// slightly fewer characters per token, so the estimate stays conservative.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default context budget in tokens.
	// Conservative enough to fit within 8k-context models while leaving room
	// for the prompt scaffolding and the output. Override via
	// CONTEXT_MAX_TOKENS.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateAll returns the estimated total token count for a slice of context
// texts, including a small per-text overhead for the separators that join
// them in the prompt.
func EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		// Separator and framing overhead per context block.
		total += 2
		total += Estimate(t)
	}
	return total
}

// TrimContexts drops context texts from the end of the slice until the total
// estimated token count of fixed + contexts fits within maxTokens. Contexts
// must be ordered most-relevant-first, so the least relevant text is always
// dropped first. fixed is the prompt scaffolding (system instruction, user
// question, template) that can never be trimmed.
//
// Returns the trimmed slice. If even a single context exceeds the remaining
// budget, the empty slice is returned; callers should warn separately when
// fixed alone exceeds the budget.
func TrimContexts(fixed string, contexts []string, maxTokens int) []string {
	if len(contexts) == 0 {
		return contexts
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}

	fixedTokens := Estimate(fixed)

	for len(contexts) > 0 {
		if fixedTokens+EstimateAll(contexts) <= maxTokens {
			break
		}
		// Drop the least relevant context.
		contexts = contexts[:len(contexts)-1]
	}
	return contexts
}

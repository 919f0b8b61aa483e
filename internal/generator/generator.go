// Package generator constructs rag.Generator implementations for producing
// answers from retrieved context. The Gemini backend talks to the API
// directly so safety settings and prompt-feedback block reasons are visible;
// the remaining backends (Ollama, OpenAI, Azure OpenAI) are driven through
// cloudwego/eino ChatModels.
package generator

import "fmt"

// Backend enumerates the supported generation providers.
type Backend string

const (
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
)

// ProviderGemini holds Gemini-specific configuration.
type ProviderGemini struct {
	// APIKey is the Gemini API key (GEMINI_API_KEY or GOOGLE_API_KEY).
	APIKey string
	// Model is the generation model name (e.g. "gemini-2.0-flash").
	Model string
}

// ProviderOllama holds Ollama-specific configuration.
type ProviderOllama struct {
	// Host is the Ollama server base URL (default: http://localhost:11434).
	Host string
	// Model is the model name (e.g. "llama3").
	Model string
}

// ProviderOpenAI holds OpenAI-specific configuration.
type ProviderOpenAI struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the model name (e.g. "gpt-4o").
	Model string
}

// ProviderAzureOpenAI holds Azure OpenAI-specific configuration.
type ProviderAzureOpenAI struct {
	// APIKey is the Azure OpenAI API key.
	APIKey string
	// Endpoint is the Azure resource endpoint URL.
	Endpoint string
	// Deployment is the Azure deployment name.
	Deployment string
	// APIVersion is the Azure REST API version (e.g. "2024-02-01").
	APIVersion string
}

// Sampling holds the generation sampling parameters shared across backends.
// They are fixed at construction time; every turn uses the same values.
type Sampling struct {
	// Temperature controls response randomness.
	Temperature float32
	// TopP is the nucleus sampling threshold.
	TopP float32
	// TopK limits sampling to the K most likely tokens (0 = provider default).
	TopK int
	// MaxOutputTokens caps the generated answer length.
	MaxOutputTokens int
}

// Config holds all generator configuration resolved from environment
// variables or explicit caller-supplied values.
type Config struct {
	// Backend identifies which generation provider to use.
	Backend Backend

	// Gemini holds Gemini credentials and model selection.
	Gemini ProviderGemini

	// Ollama holds Ollama host and model selection.
	Ollama ProviderOllama

	// OpenAI holds OpenAI credentials and model selection.
	OpenAI ProviderOpenAI

	// AzureOpenAI holds Azure OpenAI credentials and deployment selection.
	AzureOpenAI ProviderAzureOpenAI

	// Sampling holds the shared sampling parameters.
	Sampling Sampling
}

// Validate checks that the configuration for the selected backend is
// complete. Error messages name the environment variables operators must set.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("generator: GEMINI_API_KEY (or GOOGLE_API_KEY) is required for gemini backend")
		}
		if c.Gemini.Model == "" {
			return fmt.Errorf("generator: GEMINI_MODEL is required for gemini backend")
		}
	case BackendOllama:
		if c.Ollama.Model == "" {
			return fmt.Errorf("generator: OLLAMA_MODEL is required for ollama backend")
		}
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("generator: OPENAI_API_KEY is required for openai backend")
		}
		if c.OpenAI.Model == "" {
			return fmt.Errorf("generator: OPENAI_MODEL is required for openai backend")
		}
	case BackendAzure:
		if c.AzureOpenAI.APIKey == "" {
			return fmt.Errorf("generator: AZURE_OPENAI_API_KEY is required for azure backend")
		}
		if c.AzureOpenAI.Endpoint == "" {
			return fmt.Errorf("generator: AZURE_OPENAI_ENDPOINT is required for azure backend")
		}
		if c.AzureOpenAI.Deployment == "" {
			return fmt.Errorf("generator: AZURE_OPENAI_DEPLOYMENT is required for azure backend")
		}
	default:
		return fmt.Errorf("generator: unknown backend %q, valid values: gemini, ollama, openai, azure", c.Backend)
	}
	return nil
}

package generator

import (
	"context"
	"fmt"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/rag"
)

// einoGenerator adapts an eino ChatModel to the rag.Generator interface.
// Chat-completion providers never report an explicit block decision through
// eino, so every failure maps to the error variant.
type einoGenerator struct {
	// chat is the underlying ChatModel.
	chat model.BaseChatModel
	// name identifies the backend in error messages.
	name string
}

// Generate runs one completion through the wrapped ChatModel.
func (g *einoGenerator) Generate(ctx context.Context, systemInstruction, prompt string) (*rag.GenerationResult, error) {
	messages := []*schema.Message{
		schema.SystemMessage(systemInstruction),
		schema.UserMessage(prompt),
	}

	out, err := g.chat.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generator: %s generate failed: %w", g.name, err)
	}
	if out == nil || out.Content == "" {
		return nil, fmt.Errorf("generator: %s returned an empty response", g.name)
	}

	return &rag.GenerationResult{Text: out.Content}, nil
}

// newOllama constructs a generator backed by a local Ollama instance.
func newOllama(ctx context.Context, cfg *Config) (rag.Generator, error) {
	host := cfg.Ollama.Host
	if host == "" {
		host = "http://localhost:11434"
	}
	chat, err := einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{
		BaseURL: host,
		Model:   cfg.Ollama.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: create ollama model: %w", err)
	}
	return &einoGenerator{chat: chat, name: "ollama"}, nil
}

// newOpenAI constructs a generator backed by the OpenAI API.
func newOpenAI(ctx context.Context, cfg *Config) (rag.Generator, error) {
	maxTokens := cfg.Sampling.MaxOutputTokens
	temperature := cfg.Sampling.Temperature
	topP := cfg.Sampling.TopP
	chat, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		Model:       cfg.OpenAI.Model,
		APIKey:      cfg.OpenAI.APIKey,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		TopP:        &topP,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: create openai model: %w", err)
	}
	return &einoGenerator{chat: chat, name: "openai"}, nil
}

// newAzure constructs a generator backed by Azure OpenAI Service.
func newAzure(ctx context.Context, cfg *Config) (rag.Generator, error) {
	maxTokens := cfg.Sampling.MaxOutputTokens
	temperature := cfg.Sampling.Temperature
	topP := cfg.Sampling.TopP
	chat, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		Model:       cfg.AzureOpenAI.Deployment,
		APIKey:      cfg.AzureOpenAI.APIKey,
		BaseURL:     cfg.AzureOpenAI.Endpoint,
		ByAzure:     true,
		APIVersion:  cfg.AzureOpenAI.APIVersion,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		TopP:        &topP,
		// Use the deployment name as-is; the default mapper strips dots and
		// colons, which breaks deployment names like "gpt-4.1".
		AzureModelMapperFunc: func(model string) string { return model },
	})
	if err != nil {
		return nil, fmt.Errorf("generator: create azure model: %w", err)
	}
	return &einoGenerator{chat: chat, name: "azure"}, nil
}

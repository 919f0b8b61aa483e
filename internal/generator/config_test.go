package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "gemini/valid",
			cfg: Config{
				Backend: BackendGemini,
				Gemini:  ProviderGemini{APIKey: "AIza-test", Model: "gemini-2.0-flash"},
			},
		},
		{
			name:    "gemini/missing api key",
			cfg:     Config{Backend: BackendGemini, Gemini: ProviderGemini{Model: "gemini-2.0-flash"}},
			wantErr: "GEMINI_API_KEY",
		},
		{
			name:    "gemini/missing model",
			cfg:     Config{Backend: BackendGemini, Gemini: ProviderGemini{APIKey: "AIza-test"}},
			wantErr: "GEMINI_MODEL",
		},
		{
			name: "ollama/valid",
			cfg: Config{
				Backend: BackendOllama,
				Ollama:  ProviderOllama{Host: "http://localhost:11434", Model: "llama3"},
			},
		},
		{
			name:    "ollama/missing model",
			cfg:     Config{Backend: BackendOllama, Ollama: ProviderOllama{Host: "http://localhost:11434"}},
			wantErr: "OLLAMA_MODEL",
		},
		{
			name: "openai/valid",
			cfg: Config{
				Backend: BackendOpenAI,
				OpenAI:  ProviderOpenAI{APIKey: "sk-test", Model: "gpt-4o"},
			},
		},
		{
			name:    "openai/missing api key",
			cfg:     Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{Model: "gpt-4o"}},
			wantErr: "OPENAI_API_KEY",
		},
		{
			name: "azure/valid",
			cfg: Config{
				Backend: BackendAzure,
				AzureOpenAI: ProviderAzureOpenAI{
					APIKey:     "key",
					Endpoint:   "https://my.openai.azure.com",
					Deployment: "gpt-4o",
					APIVersion: "2024-02-01",
				},
			},
		},
		{
			name: "azure/missing endpoint",
			cfg: Config{
				Backend:     BackendAzure,
				AzureOpenAI: ProviderAzureOpenAI{APIKey: "key", Deployment: "gpt-4o"},
			},
			wantErr: "AZURE_OPENAI_ENDPOINT",
		},
		{
			name: "azure/missing deployment",
			cfg: Config{
				Backend:     BackendAzure,
				AzureOpenAI: ProviderAzureOpenAI{APIKey: "key", Endpoint: "https://my.openai.azure.com"},
			},
			wantErr: "AZURE_OPENAI_DEPLOYMENT",
		},
		{
			name:    "unknown backend",
			cfg:     Config{Backend: "bedrock"},
			wantErr: "unknown backend",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tc.wantErr)
			}
		})
	}
}

// fakeChatModel is a minimal eino ChatModel for exercising einoGenerator.
type fakeChatModel struct {
	reply    *schema.Message
	err      error
	received []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.received = in
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func TestEinoGenerator_Generate(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{reply: schema.AssistantMessage("الإجابة المولدة", nil)}
	gen := &einoGenerator{chat: fake, name: "ollama"}

	res, err := gen.Generate(context.Background(), "system text", "user prompt")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if res.Blocked {
		t.Error("Generate() result is blocked, want success")
	}
	if res.Text != "الإجابة المولدة" {
		t.Errorf("Text = %q, want the model reply", res.Text)
	}

	if len(fake.received) != 2 {
		t.Fatalf("model received %d messages, want 2", len(fake.received))
	}
	if fake.received[0].Role != schema.System || fake.received[0].Content != "system text" {
		t.Errorf("first message = %+v, want system instruction", fake.received[0])
	}
	if fake.received[1].Role != schema.User || fake.received[1].Content != "user prompt" {
		t.Errorf("second message = %+v, want user prompt", fake.received[1])
	}
}

func TestEinoGenerator_Error(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{err: errors.New("connection refused")}
	gen := &einoGenerator{chat: fake, name: "openai"}

	if _, err := gen.Generate(context.Background(), "sys", "prompt"); err == nil {
		t.Fatal("expected error from failing model, got nil")
	}
}

func TestEinoGenerator_EmptyReply(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{reply: schema.AssistantMessage("", nil)}
	gen := &einoGenerator{chat: fake, name: "azure"}

	if _, err := gen.Generate(context.Background(), "sys", "prompt"); err == nil {
		t.Fatal("expected error on empty reply, got nil")
	}
}

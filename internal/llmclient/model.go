// Package llmclient wraps langchaingo behind the two domain methods the
// pipeline's LLM-backed stages need: selecting relevant moments and
// synthesizing documentation.
package llmclient

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/vidpipe/pipeline/internal/config"
	"github.com/vidpipe/pipeline/internal/resilience"
)

// Model wraps a langchaingo provider for a single model tier (fast or
// quality). Every call to the underlying provider is guarded by a circuit
// breaker and retried with backoff, since LLM providers are the flakiest
// dependency in the pipeline.
type Model struct {
	llm       llms.Model
	modelName string
	breaker   *resilience.Breaker
}

// NewFast builds the model tier used for relevance selection (stage 4).
func NewFast(cfg *config.Config) (*Model, error) {
	return newModel(cfg, cfg.LLMModelFast)
}

// NewQuality builds the model tier used for document synthesis (stage 6).
func NewQuality(cfg *config.Config) (*Model, error) {
	return newModel(cfg, cfg.LLMModelQuality)
}

func newModel(cfg *config.Config, modelName string) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case "ollama":
		model, err = ollama.New(
			ollama.WithModel(modelName),
			ollama.WithServerURL(cfg.OllamaBaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return &Model{llm: model, modelName: modelName, breaker: resilience.New(resilience.FastConfig())}, nil
}

// generateContent runs the underlying provider call behind the breaker,
// retrying transient failures with backoff before giving up.
func (m *Model) generateContent(ctx context.Context, messages []llms.MessageContent) (*llms.ContentResponse, error) {
	var response *llms.ContentResponse
	err := resilience.Retry(ctx, resilience.LLMRetryConfig(), func() error {
		return m.breaker.Execute(func() error {
			resp, err := m.llm.GenerateContent(ctx, messages)
			if err != nil {
				return err
			}
			response = resp
			return nil
		})
	})
	return response, err
}

// Model returns the underlying model name.
func (m *Model) Model() string {
	return m.modelName
}

// GenerateWithSystem is the shared chat-completion primitive both domain
// methods below build on.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt),
	}

	response, err := m.generateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate with system: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return response.Choices[0].Content, nil
}

// AnalyzeMoments asks the model to locate relevant moments in a
// transcript, returning raw model output (still fence-wrapped JSON, not
// yet parsed — the caller in internal/relevance handles that).
func (m *Model) AnalyzeMoments(ctx context.Context, systemInstruction, transcript string, keywords []string) (string, error) {
	userPrompt := fmt.Sprintf(`Transcript:
%s

Keywords of interest: %v

Return ONLY a JSON array of objects with fields "start", "end", "reason" (reason <= 10 words), describing the most relevant moments to visualize. Return [] if nothing stands out.`, transcript, keywords)

	return m.GenerateWithSystem(ctx, systemInstruction, userPrompt)
}

// Generate asks the model to synthesize the final document payload from
// the resolved prompt and supporting context.
func (m *Model) Generate(ctx context.Context, systemInstruction, userPrompt string) (string, error) {
	return m.GenerateWithSystem(ctx, systemInstruction, userPrompt)
}

// GenerateWithImages is Generate's multimodal variant: it attaches each
// keyframe as a binary content part alongside the text prompt, for
// providers whose model supports vision input. Providers that don't
// simply ignore the extra parts.
func (m *Model) GenerateWithImages(ctx context.Context, systemPrompt, userPrompt string, jpegImages [][]byte) (string, error) {
	humanParts := []llms.ContentPart{llms.TextPart(userPrompt)}
	for _, img := range jpegImages {
		humanParts = append(humanParts, llms.BinaryPart("image/jpeg", img))
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		{Role: schema.ChatMessageTypeHuman, Parts: humanParts},
	}

	response, err := m.generateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate with images: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return response.Choices[0].Content, nil
}

package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatbotgo/internal/config"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

var defaultModels = map[string]string{
	"openai": "gpt-4o-mini",
	"claude": "claude-3-5-haiku-latest",
	"gemini": "gemini-2.0-flash",
}

// NewBackend builds the provider client selected by cfg.Provider.
// Claude, Gemini and Ark have no frequency or presence penalty and ignore them.
func NewBackend(ctx context.Context, cfg config.CompletionConfig) (Backend, error) {
	provider := strings.ToLower(cfg.Provider)
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModels[provider]
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			Model:            modelName,
			Timeout:          cfg.Timeout.Std(),
			MaxTokens:        cfg.MaxTokens,
			Temperature:      cfg.Temperature,
			TopP:             cfg.TopP,
			FrequencyPenalty: cfg.FrequencyPenalty,
			PresencePenalty:  cfg.PresencePenalty,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		maxTokens := 2048
		if cfg.MaxTokens != nil {
			maxTokens = *cfg.MaxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     baseURLPtr,
			Model:       modelName,
			MaxTokens:   maxTokens,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       modelName,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		})
	case "ark":
		if modelName == "" {
			return nil, errors.New("ark provider requires completion.model (endpoint id)")
		}
		chatModel, err = ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Region:      cfg.Region,
			APIKey:      cfg.APIKey,
			Model:       modelName,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		})
	case "compatible":
		if cfg.BaseURL == "" || modelName == "" {
			return nil, errors.New("compatible provider requires completion.base_url and completion.model")
		}
		return newCompatibleBackend(cfg, modelName), nil
	case "mock":
		return EchoBackend{}, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &einoBackend{model: chatModel}, nil
}

// einoBackend adapts any eino chat model to a single-shot completion.
type einoBackend struct {
	model model.BaseChatModel
}

func (b *einoBackend) Generate(ctx context.Context, system, message string) (string, error) {
	msgs := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(message),
	}
	resp, err := b.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil {
		return "", errors.New("generate: nil response")
	}
	return resp.Content, nil
}

// compatibleBackend talks to any OpenAI-compatible endpoint such as a self-hosted server.
type compatibleBackend struct {
	client *goopenai.Client
	model  string
	cfg    config.CompletionConfig
}

func newCompatibleBackend(cfg config.CompletionConfig, modelName string) *compatibleBackend {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return &compatibleBackend{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  modelName,
		cfg:    cfg,
	}
}

func (b *compatibleBackend) Generate(ctx context.Context, system, message string) (string, error) {
	req := goopenai.ChatCompletionRequest{
		Model: b.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: message},
		},
	}
	if b.cfg.Temperature != nil {
		req.Temperature = *b.cfg.Temperature
	}
	if b.cfg.MaxTokens != nil {
		req.MaxTokens = *b.cfg.MaxTokens
	}
	if b.cfg.TopP != nil {
		req.TopP = *b.cfg.TopP
	}
	if b.cfg.FrequencyPenalty != nil {
		req.FrequencyPenalty = *b.cfg.FrequencyPenalty
	}
	if b.cfg.PresencePenalty != nil {
		req.PresencePenalty = *b.cfg.PresencePenalty
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// EchoBackend answers without any network call; used by the mock provider.
type EchoBackend struct{}

func (EchoBackend) Generate(ctx context.Context, _ string, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "You said " + message, nil
}

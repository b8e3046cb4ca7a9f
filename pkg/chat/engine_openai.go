package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/ricordo/pkg/retry"
)

const defaultGenerateTimeout = 60 * time.Second

// OpenAIEngine talks to any OpenAI-compatible chat completion endpoint.
// The hosted backends (qwen via DashScope, kimi via Moonshot, deepseek) all
// expose this surface, so one engine implementation covers every registry
// entry and only the base URL and model id differ.
type OpenAIEngine struct {
	client  *go_openai.Client
	model   string
	timeout time.Duration
	retry   retry.Config
}

var _ Engine = &OpenAIEngine{}

type EngineOption func(*OpenAIEngine)

func WithTimeout(d time.Duration) EngineOption {
	return func(e *OpenAIEngine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithRetry(cfg retry.Config) EngineOption {
	return func(e *OpenAIEngine) {
		e.retry = cfg
	}
}

func NewOpenAIEngine(apiKey, baseURL, model string, options ...EngineOption) *OpenAIEngine {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	e := &OpenAIEngine{
		client:  go_openai.NewClientWithConfig(config),
		model:   model,
		timeout: defaultGenerateTimeout,
		retry:   retry.DefaultConfig,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Generate runs a chat completion with a bounded per-attempt timeout and a
// small fixed number of retries. It never blocks indefinitely.
func (e *OpenAIEngine) Generate(ctx context.Context, messages []Message) (string, error) {
	req := go_openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: make([]go_openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, go_openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	var reply string
	err := retry.Do(ctx, e.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		resp, err := e.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("empty completion response")
		}
		reply = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "chat: completion for model %s", e.model)
	}

	log.Debug().Str("model", e.model).Int("history", len(messages)).Msg("completion generated")
	return reply, nil
}

package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/ricordo/pkg/retry"
)

// summarySystemPrompt mirrors the conversation-analysis instructions: answer
// only from the provided excerpts, say clearly when nothing relevant is
// there, and keep the summary to a few sentences.
const summarySystemPrompt = `You are a conversation analysis assistant. Answer the user's query using only the provided excerpts of past conversations.
If the excerpts contain relevant information, give a concise summary based on them.
If they do not, state clearly that no relevant content was found.
Never add information that is not present in the excerpts. Keep the summary under three sentences.`

const summarizeTimeout = 30 * time.Second

// OpenAISummarizer produces summaries through an OpenAI-compatible chat
// completion endpoint.
type OpenAISummarizer struct {
	client *go_openai.Client
	model  string
	retry  retry.Config
}

var _ Summarizer = &OpenAISummarizer{}

func NewOpenAISummarizer(apiKey, baseURL, model string) *OpenAISummarizer {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAISummarizer{
		client: go_openai.NewClientWithConfig(config),
		model:  model,
		retry:  retry.DefaultConfig,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, query string, excerpts []string) (string, error) {
	prompt := fmt.Sprintf("Query: %s\n\nConversation excerpts:\n%s",
		query, strings.Join(excerpts, "\n\n"))

	var summary string
	err := retry.Do(ctx, s.retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, summarizeTimeout)
		defer cancel()

		resp, err := s.client.CreateChatCompletion(callCtx, go_openai.ChatCompletionRequest{
			Model:       s.model,
			Temperature: 0.3,
			MaxTokens:   300,
			Messages: []go_openai.ChatCompletionMessage{
				{Role: go_openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
				{Role: go_openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("empty completion response")
		}
		summary = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "rag: generate summary")
	}
	return summary, nil
}

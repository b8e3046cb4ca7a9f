package chat

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/ricordo/pkg/events"
	"github.com/go-go-golems/ricordo/pkg/store"
)

const maxDerivedTitleLen = 80

// Request is one per-model chat turn. An empty ConversationID starts a new
// conversation; History, when set, replaces the stored history as provider
// context (cross-model continuation).
type Request struct {
	ModelName      string    `json:"model_name"`
	UserInput      string    `json:"user_input"`
	ConversationID string    `json:"conversation_id,omitempty"`
	History        []Message `json:"history,omitempty"`
}

// ModelResult is the outcome for one model: either the updated ordered
// message history, or a per-model error. A failed model never gets an
// assistant message appended.
type ModelResult struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Orchestrator fans a multi-model request out to the registered engines and
// writes every turn through the conversation store. Models run concurrently;
// one model's provider failure never affects the others.
type Orchestrator struct {
	store    *store.Store
	registry *Registry
	router   *events.Router
	userID   string
}

func NewOrchestrator(st *store.Store, registry *Registry, router *events.Router, userID string) *Orchestrator {
	if userID == "" {
		userID = "default"
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		router:   router,
		userID:   userID,
	}
}

// Chat processes the per-model requests. Unsupported model names and missing
// conversations are rejected up front (the whole request fails); provider
// failures are captured per model. A storage failure aborts the request
// since correctness cannot be guaranteed past that point.
func (o *Orchestrator) Chat(ctx context.Context, requests []Request) (map[string]ModelResult, error) {
	// validate before any write so a bad entry cannot half-commit the request
	for _, req := range requests {
		if _, _, err := o.registry.Get(req.ModelName); err != nil {
			return nil, err
		}
		if req.ConversationID != "" {
			if _, err := o.store.GetConversation(ctx, req.ConversationID); err != nil {
				return nil, err
			}
		}
	}

	results := make([]ModelResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			result, err := o.runModel(gctx, req)
			if err != nil {
				// storage failure: fatal for the whole request
				return err
			}
			results[i] = *result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]ModelResult, len(requests))
	for i, req := range requests {
		out[req.ModelName] = results[i]
	}
	return out, nil
}

// runModel performs one model's turn. The returned error is reserved for
// storage failures; provider failures come back inside ModelResult.
func (o *Orchestrator) runModel(ctx context.Context, req Request) (*ModelResult, error) {
	engine, systemPrompt, err := o.registry.Get(req.ModelName)
	if err != nil {
		return nil, err
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := o.store.CreateConversation(ctx, o.userID, req.ModelName, deriveTitle(req.UserInput))
		if err != nil {
			return nil, err
		}
		conversationID = conv.ID
		o.publish(events.Event{Type: events.EventChatStarted, Model: req.ModelName, ConversationID: conversationID})
	}

	if _, err := o.store.AppendMessage(ctx, conversationID, store.RoleUser, req.UserInput); err != nil {
		return nil, err
	}

	history, err := o.providerHistory(ctx, conversationID, systemPrompt, req)
	if err != nil {
		return nil, err
	}

	reply, err := engine.Generate(ctx, history)
	if err != nil {
		log.Warn().Err(err).Str("model", req.ModelName).Str("conversation_id", conversationID).
			Msg("provider failed, no assistant turn recorded")
		o.publish(events.Event{Type: events.EventChatFailed, Model: req.ModelName,
			ConversationID: conversationID, Error: err.Error()})
		return &ModelResult{
			ConversationID: conversationID,
			Error:          err.Error(),
		}, nil
	}

	if _, err := o.store.AppendMessage(ctx, conversationID, store.RoleAssistant, reply); err != nil {
		return nil, err
	}
	o.publish(events.Event{Type: events.EventChatCompleted, Model: req.ModelName, ConversationID: conversationID})

	stored, err := o.store.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ModelResult{
		ConversationID: conversationID,
		Messages:       toChatMessages(stored),
	}, nil
}

// providerHistory assembles the messages sent upstream: the system prompt,
// then either the caller-supplied substitute history plus the new input, or
// the full stored conversation (which already ends with the new user turn).
func (o *Orchestrator) providerHistory(ctx context.Context, conversationID, systemPrompt string, req Request) ([]Message, error) {
	var history []Message
	if systemPrompt != "" {
		history = append(history, Message{Role: RoleSystem, Content: systemPrompt})
	}

	if len(req.History) > 0 {
		history = append(history, req.History...)
		history = append(history, Message{Role: RoleUser, Content: req.UserInput})
		return history, nil
	}

	stored, err := o.store.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return append(history, toChatMessages(stored)...), nil
}

func toChatMessages(stored []store.Message) []Message {
	messages := make([]Message, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, Message{Role: string(m.Role), Content: m.Content})
	}
	return messages
}

// deriveTitle makes a session title from the first user input.
func deriveTitle(userInput string) string {
	title := strings.TrimSpace(userInput)
	if fields := strings.Fields(title); len(fields) > 0 {
		title = strings.Join(fields, " ")
	}
	runes := []rune(title)
	if len(runes) > maxDerivedTitleLen {
		title = string(runes[:maxDerivedTitleLen]) + "…"
	}
	if title == "" {
		title = "untitled session"
	}
	return title
}

func (o *Orchestrator) publish(e events.Event) {
	if o.router == nil {
		return
	}
	if err := o.router.Publish(events.TopicChat, e); err != nil {
		log.Warn().Err(err).Msg("chat: publish event")
	}
}

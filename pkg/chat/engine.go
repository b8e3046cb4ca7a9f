// Package chat drives conversations across one or more model backends and
// persists every turn.
package chat

import (
	"context"

	"github.com/pkg/errors"
)

// ErrUnsupportedModel is returned for model names absent from the registry.
var ErrUnsupportedModel = errors.New("unsupported model")

// Message is a provider-facing role-tagged message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Engine generates an assistant reply from an ordered message history.
// Implementations handle provider-specific transport, timeouts and retries;
// a returned error is a provider error (network, auth, quota, timeout).
type Engine interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

package store

import (
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Feedback string

const (
	FeedbackNone    Feedback = ""
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

// Conversation is one chat session with a single model. It owns an ordered
// sequence of messages; the store is the ordering authority.
type Conversation struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	SessionTitle string                 `json:"session_title"`
	ModelName    string                 `json:"model_name"`
	CreatedAt    time.Time              `json:"created_at"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// Message is a single turn inside a conversation. Messages are immutable
// once written, except for the feedback field.
//
// For a fixed conversation, sequence ids form a gap-free strictly increasing
// sequence starting at 1.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	SequenceID     int       `json:"sequence_id"`
	Timestamp      time.Time `json:"timestamp"`
	Feedback       Feedback  `json:"feedback,omitempty"`
}

// MatchContext is one matching message inside a keyword search result.
type MatchContext struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// KeywordMatch pairs a conversation with every message of it that matched.
type KeywordMatch struct {
	Conversation Conversation   `json:"conversation"`
	Contexts     []MatchContext `json:"contexts"`
}

// IndexSourceRow is a message joined with its conversation's model name,
// as read by the indexing pipeline.
type IndexSourceRow struct {
	Message
	ModelName string
}

// IndexState is the persisted watermark of how much content has been
// embedded into the vector index. It only ever moves forward, and records
// which embedding model (and dimension) produced the index so a model
// upgrade cannot silently mix vector spaces.
type IndexState struct {
	Scope          string    `json:"scope"`
	Watermark      time.Time `json:"watermark"`
	EmbeddingModel string    `json:"embedding_model"`
	Dimensions     int       `json:"dimensions"`
	UpdatedAt      time.Time `json:"updated_at"`
}

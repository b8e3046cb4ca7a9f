// Package events publishes chat and indexing lifecycle events over an
// in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	TopicChat     = "ricordo.chat"
	TopicIndexing = "ricordo.indexing"
)

type EventType string

const (
	EventChatStarted   EventType = "chat.started"
	EventChatCompleted EventType = "chat.completed"
	EventChatFailed    EventType = "chat.failed"

	EventIndexingStarted   EventType = "indexing.started"
	EventIndexingCommitted EventType = "indexing.committed"
	EventIndexingCompleted EventType = "indexing.completed"
	EventIndexingFailed    EventType = "indexing.failed"
)

// Event is the single envelope published on every topic. Unused fields stay
// empty for a given event type.
type Event struct {
	Type           EventType `json:"type"`
	Time           time.Time `json:"time"`
	Model          string    `json:"model,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Chunks         int       `json:"chunks,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Router wraps a gochannel pub/sub. It is safe for concurrent publishers.
type Router struct {
	pubsub *gochannel.GoChannel
}

func NewRouter() *Router {
	return &Router{
		pubsub: gochannel.NewGoChannel(gochannel.Config{}, NewWatermillLogger()),
	}
}

func (r *Router) Publish(topic string, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "events: marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return errors.Wrapf(r.pubsub.Publish(topic, msg), "events: publish %s", topic)
}

func (r *Router) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := r.pubsub.Subscribe(ctx, topic)
	return ch, errors.Wrapf(err, "events: subscribe %s", topic)
}

func (r *Router) Close() error {
	return r.pubsub.Close()
}

// RunLogSink consumes the given topics and logs every event until ctx is
// cancelled. Meant to be started as a goroutine by the server.
func (r *Router) RunLogSink(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		ch, err := r.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go func(topic string, ch <-chan *message.Message) {
			for msg := range ch {
				var e Event
				if err := json.Unmarshal(msg.Payload, &e); err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("undecodable event")
					msg.Ack()
					continue
				}
				evt := log.Info()
				if e.Type == EventChatFailed || e.Type == EventIndexingFailed {
					evt = log.Warn()
				}
				evt.Str("topic", topic).
					Str("event", string(e.Type)).
					Str("model", e.Model).
					Str("conversation_id", e.ConversationID).
					Int("chunks", e.Chunks).
					Str("error", e.Error).
					Msg("event")
				msg.Ack()
			}
		}(topic, ch)
	}
	return nil
}

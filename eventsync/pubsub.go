package eventsync

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/books_sync/models"
	"cloud.google.com/go/pubsub"
)

// Notifier tells other devices that a new event reached the remote log.
type Notifier interface {
	Notify(ctx context.Context, env models.Envelope) error
}

// Nudge is the message body sent to other devices. It carries no payload;
// receivers run a normal sync pass.
type Nudge struct {
	DeviceId string           `json:"deviceId"`
	EventId  string           `json:"eventId"`
	Type     models.EventKind `json:"type"`
}

// PushMessage is the envelope of a pub/sub push delivery.
type PushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PubSubNotifier publishes nudges to one topic.
type PubSubNotifier struct {
	topic *pubsub.Topic
}

func NewPubSubNotifier(topic *pubsub.Topic) *PubSubNotifier {
	return &PubSubNotifier{topic: topic}
}

func (n *PubSubNotifier) Notify(ctx context.Context, env models.Envelope) error {
	data, err := json.Marshal(Nudge{DeviceId: env.DeviceId, EventId: env.EventId, Type: env.Type})
	if err != nil {
		return err
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"device_id":  env.DeviceId,
			"event_type": string(env.Type),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish nudge %s: %w", env.EventId, err)
	}
	return nil
}

// Stop flushes pending nudges.
func (n *PubSubNotifier) Stop() {
	n.topic.Stop()
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/sitewise/api/internal/services"
)

// PubSubPageEventPublisher publishes page-change events to a Pub/Sub topic so
// downstream consumers (search indexer, CDN warmers) can react to metadata
// mutations.
type PubSubPageEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPageEventPublisher constructs a Pub/Sub backed page event publisher.
func NewPubSubPageEventPublisher(topic *pubsub.Topic) (*PubSubPageEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub page event publisher: topic is required")
	}
	return &PubSubPageEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishPageEvent enqueues a page-change event on the configured topic.
func (p *PubSubPageEventPublisher) PublishPageEvent(ctx context.Context, event services.PageEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub page event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal page event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "siteId", event.SiteID)
	setAttr(attrs, "path", event.Path)
	setAttr(attrs, "action", event.Action)
	setAttr(attrs, "actorId", event.ActorID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish page event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

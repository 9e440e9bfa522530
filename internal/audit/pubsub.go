package audit

import (
	"context"
	"encoding/json"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubSink publishes records to a Google Cloud Pub/Sub topic.
type PubSubSink struct {
	client *gpubsub.Client
	topic  *gpubsub.Topic
	log    zerolog.Logger
}

func NewPubSubSink(ctx context.Context, projectID, topicID string, log zerolog.Logger, opts ...option.ClientOption) (*PubSubSink, error) {
	client, err := gpubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	log.Info().Str("topic", topicID).Msg("pubsub audit sink initialized")
	return &PubSubSink{client: client, topic: client.Topic(topicID), log: log}, nil
}

func (p *PubSubSink) Record(ctx context.Context, r Record) error {
	return p.publish(ctx, "record", r.RequestID, r)
}

func (p *PubSubSink) Communication(ctx context.Context, c Communication) error {
	return p.publish(ctx, "communication", c.RequestID, c)
}

func (p *PubSubSink) publish(ctx context.Context, kind, requestID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// wait for server ack
	res := p.topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"kind": kind, "request_id": requestID},
	})
	id, err := res.Get(ctx)
	if err != nil {
		return err
	}
	p.log.Debug().Str("messageID", id).Str("request_id", requestID).Str("kind", kind).Msg("published audit entry")
	return nil
}

func (p *PubSubSink) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

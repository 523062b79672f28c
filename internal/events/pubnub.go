package events

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	pubnub "github.com/pubnub/go"

	"queue-server/internal/status"
)

type sendFunc func(channel string, message interface{}) error

// PubNubPublisher mirrors notices to realtime clients on channel
// {topic}.{key}, so a rider app subscribes to one channel per ride.
type PubNubPublisher struct {
	send sendFunc
}

func NewPubNubPublisher(pn *pubnub.PubNub) *PubNubPublisher {
	return &PubNubPublisher{
		send: func(channel string, message interface{}) error {
			_, _, err := pn.Publish().
				Channel(channel).
				Message(message).
				Execute()
			return err
		},
	}
}

func Channel(topic, key string) string {
	return topic + "." + key
}

func (p *PubNubPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return status.Mark(err, status.ErrPublishFailure)
	}
	channel := Channel(topic, key)
	if err := p.send(channel, json.RawMessage(payload)); err != nil {
		return status.Mark(errors.Wrapf(err, "pubnub publish to %s", channel), status.ErrPublishFailure)
	}
	return nil
}

func (p *PubNubPublisher) Close() error {
	return nil
}

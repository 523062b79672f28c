package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"

	"github.com/pkg/errors"

	"queue-server/models"
)

// TopicQueueEvents carries readiness notices, keyed by ride id.
const TopicQueueEvents = "queue-event-topic"

// Publisher delivers one payload to a topic. Implementations must be safe
// for concurrent use; dispatcher ticks for different rides publish in parallel.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// ReadinessNotice tells a user they board this cycle or the next one.
type ReadinessNotice struct {
	RideID int64                  `json:"rideId"`
	UserID int64                  `json:"userId"`
	Type   models.Class           `json:"type"`
	Status models.ReadinessStatus `json:"status"`
}

func EncodeNotice(n ReadinessNotice) ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, errors.Wrap(err, "encode readiness notice")
	}
	return b, nil
}

func DecodeNotice(b []byte) (ReadinessNotice, error) {
	var n ReadinessNotice
	if err := json.Unmarshal(b, &n); err != nil {
		return n, errors.Wrap(err, "decode readiness notice")
	}
	return n, nil
}

// PartitionKey is the decimal ride id.
func PartitionKey(rideID int64) string {
	return strconv.FormatInt(rideID, 10)
}

// FanoutPublisher publishes to every target and reports all failures.
type FanoutPublisher struct {
	targets []Publisher
}

func NewFanoutPublisher(targets ...Publisher) *FanoutPublisher {
	return &FanoutPublisher{targets: targets}
}

func (f *FanoutPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	var errs []error
	for _, p := range f.targets {
		if err := p.Publish(ctx, topic, key, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (f *FanoutPublisher) Close() error {
	var errs []error
	for _, p := range f.targets {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

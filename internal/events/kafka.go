package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"queue-server/internal/status"
	"queue-server/utils"
)

const DefaultWriteTimeout = 5 * time.Second

type KafkaSettings struct {
	Brokers      []string
	WriteTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
}

// ParseRequiredAcks accepts none, one, all or their numeric forms.
func ParseRequiredAcks(s string) (kafka.RequiredAcks, error) {
	var acks kafka.RequiredAcks
	if err := acks.UnmarshalText([]byte(s)); err != nil {
		return kafka.RequireAll, errors.Wrapf(err, "invalid kafka required acks %q", s)
	}
	return acks, nil
}

// NewKafkaWriter builds a writer with no fixed topic; each message names its own.
func NewKafkaWriter(st KafkaSettings) *kafka.Writer {
	timeout := st.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(st.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           st.RequiredAcks,
		Async:                  false, // ticks need to know whether the notice went out
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           timeout,
		AllowAutoTopicCreation: true,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher is the durable sink for readiness notices. A circuit breaker
// sits in front of the writer so a dead broker costs one fast failure per
// notice instead of a full write timeout.
type KafkaPublisher struct {
	writer  messageWriter
	breaker *utils.CircuitBreaker
	timeout time.Duration
	logger  logrus.FieldLogger
}

func NewKafkaPublisher(writer *kafka.Writer, logger logrus.FieldLogger) *KafkaPublisher {
	return newKafkaPublisher(writer, writer.WriteTimeout, logger)
}

func newKafkaPublisher(writer messageWriter, timeout time.Duration, logger logrus.FieldLogger) *KafkaPublisher {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &KafkaPublisher{
		writer: writer,
		breaker: utils.NewCircuitBreakerWithSettings("kafka", utils.BreakerSettings{
			MinRequests:  10,
			FailureRatio: 0.5,
			Timeout:      15 * time.Second,
		}),
		timeout: timeout,
		logger:  logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := p.breaker.Execute(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.writer.WriteMessages(ctx, kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: payload,
		})
	})
	if err != nil {
		return status.Mark(errors.Wrapf(err, "kafka publish to %s", topic), status.ErrPublishFailure)
	}
	return nil
}

func (p *KafkaPublisher) BreakerState() utils.State {
	return p.breaker.State()
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return errors.Wrap(err, "close kafka writer")
	}
	p.logger.Info("kafka writer closed")
	return nil
}

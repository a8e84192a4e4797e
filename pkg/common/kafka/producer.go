package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/retry"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	source string
	policy retry.Policy
}

// NewProducer writes synchronously with acks from all in-sync replicas, so a
// nil error from Publish means the broker holds the message.
func NewProducer(brokers []string, topic, source string, policy retry.Policy) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: writer, topic: topic, source: source, policy: policy}
}

func (p *Producer) Topic() string { return p.topic }

// Publish wraps payload in an Envelope and writes it keyed by key. Messages
// sharing a key land on the same partition. Returns the envelope id.
func (p *Producer) Publish(ctx context.Context, msgType, key string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	envelope := models.Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    p.source,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}

	value, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if key == "" {
		key = envelope.ID
	}

	message := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "message-type", Value: []byte(msgType)},
			{Key: "source", Value: []byte(p.source)},
		},
	}

	if err := p.write(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"message_id":   envelope.ID,
			"message_type": msgType,
			"topic":        p.topic,
		}).Error("Failed to publish message")
		return "", err
	}

	logger.Log.WithFields(map[string]interface{}{
		"message_id":   envelope.ID,
		"message_type": msgType,
		"topic":        p.topic,
	}).Debug("Message published")

	return envelope.ID, nil
}

// PublishRaw writes an already encoded value unchanged. Used for dead letters
// and re-drive, where the original bytes must be preserved.
func (p *Producer) PublishRaw(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.write(ctx, kafka.Message{Key: key, Value: value, Headers: headers})
}

func (p *Producer) write(ctx context.Context, message kafka.Message) error {
	return p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		err := p.writer.WriteMessages(ctx, message)
		if err != nil && attempt < p.policy.MaxAttempts {
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"topic":   p.topic,
				"attempt": attempt,
			}).Warn("Broker write failed, retrying")
		}
		return err
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

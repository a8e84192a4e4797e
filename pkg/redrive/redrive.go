// Package redrive moves dead-lettered messages back onto the topic they failed
// on. It is run by an operator once the cause of the failures is fixed.
package redrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const Stage = "redrive"

var ErrUnknownTopic = errors.New("dead letter names a topic this redrive does not serve")

// Sink republishes raw bytes to one topic.
type Sink interface {
	PublishRaw(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Redriver struct {
	reader messageReader
	sinks  map[string]Sink
	idle   time.Duration
}

// NewRedriver reads dlqTopic with its own consumer group. sinks maps each
// original topic to the producer that writes it.
func NewRedriver(brokers []string, dlqTopic, groupID string, sinks map[string]Sink, idle time.Duration) *Redriver {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          dlqTopic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return newRedriver(reader, sinks, idle)
}

func newRedriver(reader messageReader, sinks map[string]Sink, idle time.Duration) *Redriver {
	if idle <= 0 {
		idle = 10 * time.Second
	}
	return &Redriver{reader: reader, sinks: sinks, idle: idle}
}

// Run republishes dead letters until none arrives for the idle period, and
// returns how many were moved. A record that cannot be republished stops the
// run without committing it.
func (r *Redriver) Run(ctx context.Context) (int, error) {
	log := logger.ForStage(Stage)
	moved := 0
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, r.idle)
		msg, err := r.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				log.WithField("moved", moved).Info("Dead-letter topic drained")
				return moved, nil
			}
			return moved, err
		}

		if err := r.republish(ctx, msg); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("Dead letter could not be re-driven")
			return moved, err
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			return moved, fmt.Errorf("commit: %w", err)
		}
		moved++
	}
}

func (r *Redriver) republish(ctx context.Context, msg kafka.Message) error {
	var record models.DeadLetter
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		return fmt.Errorf("decode dead letter: %w", err)
	}
	sink, ok := r.sinks[record.Topic]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, record.Topic)
	}

	if err := sink.PublishRaw(ctx, []byte(record.Key), OriginalValue(record.Payload),
		kafka.Header{Key: "redriven-from", Value: []byte(record.Stage)},
	); err != nil {
		return fmt.Errorf("republish to %s: %w", record.Topic, err)
	}

	logger.ForStage(Stage).WithFields(logrus.Fields{
		"topic":    record.Topic,
		"key":      record.Key,
		"attempts": record.Attempts,
		"error":    record.Error,
	}).Info("Dead letter re-driven")
	return nil
}

// OriginalValue recovers the bytes that failed. Values that were not JSON were
// stored as a JSON string.
func OriginalValue(payload json.RawMessage) []byte {
	var s string
	if len(payload) > 0 && payload[0] == '"' && json.Unmarshal(payload, &s) == nil {
		return []byte(s)
	}
	return payload
}

func (r *Redriver) Close() error {
	return r.reader.Close()
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/observability/metrics"
	"github.com/robopost/platform/pkg/retry"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Handler processes one decoded message. The returned error is classified
// with package faults to decide how the message is settled.
type Handler func(ctx context.Context, envelope models.Envelope) error

// DeadLetterSink receives messages that will not be retried.
type DeadLetterSink interface {
	PublishRaw(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	Stage        string
	Workers      int
	Policy       retry.Policy
	DrainTimeout time.Duration
	// MaxPending caps fetched but uncommitted messages per partition. Fetching
	// pauses while a partition is at the cap.
	MaxPending int
}

// Consumer fans messages from one topic out to a pool of workers. Each
// message is retried in place according to Policy, then either acknowledged
// or dead-lettered. Offsets are committed per partition only up to the
// highest contiguous settled message, so a crash never skips unfinished work.
type Consumer struct {
	reader   messageReader
	dlq      DeadLetterSink
	topic    string
	stage    string
	workers    int
	policy     retry.Policy
	drain      time.Duration
	maxPending int
	tracker    *offsetTracker
	commitMu sync.Mutex
	// committed holds the last committed offset per partition.
	committed map[int]int64
}

func NewConsumer(cfg ConsumerConfig, dlq DeadLetterSink) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	return newConsumer(reader, dlq, cfg)
}

func newConsumer(reader messageReader, dlq DeadLetterSink, cfg ConsumerConfig) *Consumer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = 1000
	}
	if maxPending < workers {
		maxPending = workers
	}
	return &Consumer{
		reader:     reader,
		dlq:        dlq,
		topic:      cfg.Topic,
		stage:      cfg.Stage,
		workers:    workers,
		policy:     cfg.Policy,
		drain:      drain,
		maxPending: maxPending,
		tracker:    newOffsetTracker(),
		committed:  make(map[int]int64),
	}
}

// Run consumes until ctx is cancelled or the reader is closed. Messages
// already being handled when ctx ends get DrainTimeout to finish; fetched but
// unstarted messages are left uncommitted and will be redelivered.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	jobs := make(chan *pendingOffset, c.workers)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				if ctx.Err() != nil {
					continue
				}
				c.process(workCtx, handler, p)
			}
		}()
	}

	log := logger.ForStage(c.stage).WithField("topic", c.topic)
	log.WithField("workers", c.workers).Info("Consumer started")

	var runErr error
fetch:
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, io.EOF) {
				runErr = err
				break
			}
			log.WithError(err).Error("Failed to fetch message")
			select {
			case <-ctx.Done():
				break fetch
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.tracker.waitForRoom(ctx, msg.Partition, c.maxPending); err != nil {
			break
		}
		p := c.tracker.track(msg)
		select {
		case jobs <- p:
		case <-ctx.Done():
			break fetch
		}
	}

	close(jobs)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.drain):
		log.Warn("Drain timeout reached, cancelling in-flight handlers")
		cancelWork()
		<-done
	}

	log.Info("Consumer stopped")
	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

func (c *Consumer) process(ctx context.Context, handler Handler, p *pendingOffset) {
	started := time.Now()
	msg := p.msg
	log := logger.ForStage(c.stage).WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	attempts := 0
	var envelope models.Envelope
	err := json.Unmarshal(msg.Value, &envelope)
	if err != nil {
		err = faults.Permanent(fmt.Errorf("failed to decode envelope: %w", err))
	} else {
		log = log.WithField("message_id", envelope.ID)
		err = c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			attempts = attempt
			metrics.HandlerAttempts.WithLabelValues(c.stage).Inc()
			herr := c.invoke(ctx, handler, envelope)
			if herr != nil && faults.IsRetryable(herr) {
				log.WithError(herr).WithField("attempt", attempt).Warn("Handler failed")
			}
			return herr
		})
	}

	outcome := Settle(err)
	switch outcome {
	case OutcomeAck:
		switch {
		case err == nil:
			log.Debug("Message handled")
		case faults.IsDuplicate(err):
			log.WithError(err).Info("Duplicate message acknowledged")
		default:
			log.WithError(err).Warn("Rejected message acknowledged")
		}
	case OutcomeDeadLetter:
		log.WithError(err).WithField("attempts", attempts).Error("Message dead-lettered")
		if dlqErr := c.deadLetterUntilWritten(ctx, msg, err, attempts, log); dlqErr != nil {
			log.WithError(dlqErr).Error("Failed to write dead letter, message left uncommitted")
			metrics.ObserveSettlement(c.stage, string(OutcomeRequeue), started)
			return
		}
	case OutcomeRequeue:
		log.WithError(err).Warn("Handler interrupted, message left for redelivery")
		metrics.ObserveSettlement(c.stage, string(outcome), started)
		return
	}

	metrics.ObserveSettlement(c.stage, string(outcome), started)
	if commit, ok := c.tracker.complete(p); ok {
		c.commit(commit)
	}
}

func (c *Consumer) invoke(ctx context.Context, handler Handler, envelope models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ForStage(c.stage).WithFields(logrus.Fields{
				"message_id": envelope.ID,
				"panic":      r,
				"stack":      string(debug.Stack()),
			}).Error("Handler panicked")
			err = faults.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, envelope)
}

// deadLetterUntilWritten keeps trying the dead-letter write until it succeeds
// or ctx ends. The partition cannot commit past msg in the meantime.
func (c *Consumer) deadLetterUntilWritten(ctx context.Context, msg kafka.Message, cause error, attempts int, log *logrus.Entry) error {
	for n := 1; ; n++ {
		err := c.deadLetter(msg, cause, attempts)
		if err == nil {
			return nil
		}
		delay := c.policy.Delay(n)
		if delay < 100*time.Millisecond {
			delay = 100 * time.Millisecond
		}
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		log.WithError(err).WithField("retry_in", delay.String()).Warn("Dead-letter write failed")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (c *Consumer) deadLetter(msg kafka.Message, cause error, attempts int) error {
	payload := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		quoted, _ := json.Marshal(string(msg.Value))
		payload = quoted
	}

	record := models.DeadLetter{
		Stage:    c.stage,
		Topic:    msg.Topic,
		Key:      string(msg.Key),
		Payload:  payload,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.dlq.PublishRaw(ctx, msg.Key, value,
		kafka.Header{Key: "message-type", Value: []byte(models.TypeDeadLetter)},
		kafka.Header{Key: "stage", Value: []byte(c.stage)},
	)
}

func (c *Consumer) commit(msg kafka.Message) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if last, ok := c.committed[msg.Partition]; ok && last >= msg.Offset {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		logger.ForStage(c.stage).WithError(err).WithFields(logrus.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Error("Failed to commit offset")
		return
	}
	c.committed[msg.Partition] = msg.Offset
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

type Outcome string

const (
	OutcomeAck        Outcome = "ack"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeRequeue    Outcome = "requeue"
)

// Settle maps a handler result to how the message is settled. Success,
// duplicates and unauthorized actions are acknowledged; permanent failures,
// including exhausted retries, go to the dead-letter topic; interrupted work
// is left for redelivery.
func Settle(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && !faults.IsPermanent(err):
		return OutcomeRequeue
	}
	switch faults.KindOf(err) {
	case faults.KindDuplicate, faults.KindUnauthorized:
		return OutcomeAck
	case faults.KindPermanent:
		return OutcomeDeadLetter
	default:
		return OutcomeRequeue
	}
}

type pendingOffset struct {
	msg  kafka.Message
	done bool
}

// offsetTracker remembers fetched messages per partition in fetch order so
// the commit point only ever advances past settled messages.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int][]*pendingOffset
	freed      chan struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		partitions: make(map[int][]*pendingOffset),
		freed:      make(chan struct{}, 1),
	}
}

// waitForRoom blocks while partition holds limit or more unsettled messages.
func (t *offsetTracker) waitForRoom(ctx context.Context, partition, limit int) error {
	for {
		t.mu.Lock()
		n := len(t.partitions[partition])
		t.mu.Unlock()
		if n < limit {
			return nil
		}
		select {
		case <-t.freed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *offsetTracker) track(msg kafka.Message) *pendingOffset {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &pendingOffset{msg: msg}
	t.partitions[msg.Partition] = append(t.partitions[msg.Partition], p)
	return p
}

// complete marks p settled and returns the newest message that can now be
// committed, if the contiguous settled prefix grew.
func (t *offsetTracker) complete(p *pendingOffset) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.done = true
	queue := t.partitions[p.msg.Partition]
	var last kafka.Message
	advanced := false
	for len(queue) > 0 && queue[0].done {
		last = queue[0].msg
		queue = queue[1:]
		advanced = true
	}
	t.partitions[p.msg.Partition] = queue
	if advanced {
		select {
		case t.freed <- struct{}{}:
		default:
		}
	}
	return last, advanced
}

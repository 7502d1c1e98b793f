package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// MessageWriter is the subset of *kafkago.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaForwarder subscribes to a Feed and writes every event to a Kafka topic.
type KafkaForwarder struct {
	writer       MessageWriter
	logger       *zap.Logger
	writeTimeout time.Duration
	batchSize    int

	wg sync.WaitGroup
}

// NewKafkaWriter creates a producer for the change event topic.
func NewKafkaWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
}

// NewKafkaForwarder wraps writer. Messages are keyed by station id so events for
// one station stay ordered within a partition.
func NewKafkaForwarder(writer MessageWriter, logger *zap.Logger) *KafkaForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaForwarder{
		writer:       writer,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		batchSize:    64,
	}
}

// Start subscribes to feed and forwards events until ctx is done or the feed closes.
func (k *KafkaForwarder) Start(ctx context.Context, feed *Feed, buffer int) {
	events, cancel := feed.Subscribe(Filter{}, buffer)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer cancel()
		k.run(ctx, events)
	}()
}

func (k *KafkaForwarder) run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			batch := []Event{e}
		drain:
			for len(batch) < k.batchSize {
				select {
				case next, ok := <-events:
					if !ok {
						break drain
					}
					batch = append(batch, next)
				default:
					break drain
				}
			}
			if err := k.write(ctx, batch); err != nil {
				k.logger.Warn("kafka forward failed", zap.Int("events", len(batch)), zap.Error(err))
			}
		}
	}
}

func (k *KafkaForwarder) write(ctx context.Context, batch []Event) error {
	msgs := make([]kafkago.Message, 0, len(batch))
	for _, e := range batch {
		msg, err := serializeToMessage(e)
		if err != nil {
			observability.KafkaMessagesTotal.WithLabelValues("error").Inc()
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, k.writeTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(writeCtx, msgs...); err != nil {
		observability.KafkaMessagesTotal.WithLabelValues("error").Add(float64(len(msgs)))
		return err
	}
	observability.KafkaMessagesTotal.WithLabelValues("success").Add(float64(len(msgs)))
	return nil
}

// Close waits for the forwarding goroutine to exit and closes the writer.
// Cancel the context passed to Start (or close the feed) first.
func (k *KafkaForwarder) Close() error {
	k.wg.Wait()
	return k.writer.Close()
}

func serializeToMessage(e Event) (kafkago.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize change event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(e.StationID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "table", Value: []byte(e.Table)},
			{Key: "op", Value: []byte(e.Op)},
			{Key: "at", Value: []byte(e.At.Format(time.RFC3339))},
		},
	}, nil
}

// Package kafka publishes ingested snow statistics to a Kafka topic for
// downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces one message per statistics record.
// It implements pipeline.Publisher.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish serializes records and writes them in a single WriteMessages call.
// Messages are keyed by region|date so updates of one key stay ordered on
// one partition.
func (w *Writer) Publish(ctx context.Context, records []domain.StatisticsRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(records))
	for i := range records {
		msg, err := serializeToMessage(records[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d records: %w", len(msgs), err)
	}
	w.logger.Debug("published records", "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a StatisticsRecord into a Kafka message.
func serializeToMessage(rec domain.StatisticsRecord) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize statistics record: %w", err)
	}
	key := rec.Key()
	return kafkago.Message{
		Key:   []byte(key.String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "region", Value: []byte(key.Region)},
			{Key: "observation_date", Value: []byte(key.Date.Format(time.DateOnly))},
			{Key: "computed_at", Value: []byte(rec.ComputedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}

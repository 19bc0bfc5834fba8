package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tracyhatemice/mailprobe/internal/probe"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every outcome as a JSON event keyed by probe id.
type Kafka struct {
	writer messageWriter
	log    *zap.SugaredLogger
}

// NewKafka creates a synchronous writer for topic. The writer connects
// lazily, so an unreachable broker surfaces on the first Report.
func NewKafka(brokers []string, topic string, writeTimeout time.Duration, log *zap.SugaredLogger) *Kafka {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	log.Infow("Kafka outcome sink created", "brokers", brokers, "topic", topic)
	return &Kafka{writer: writer, log: log}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Report(ctx context.Context, o probe.Outcome) error {
	msg, err := outcomeMessage(o)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

func outcomeMessage(o probe.Outcome) (kafka.Message, error) {
	value, err := json.Marshal(o)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal outcome: %w", err)
	}
	result := "delivered"
	if !o.Success {
		result = string(o.Reason())
	}
	return kafka.Message{
		Key:   []byte(o.ProbeID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "result", Value: []byte(result)},
			{Key: "success", Value: []byte(strconv.FormatBool(o.Success))},
			{Key: "timestamp", Value: []byte(o.MeasuredAt.UTC().Format(time.RFC3339))},
		},
		Time: o.MeasuredAt,
	}, nil
}

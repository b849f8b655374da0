package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(brokersCSV string) []string {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaForwarder queues stock events and writes them to Kafka from Run, so
// a slow broker never holds up the request that moved stock. Events are
// keyed by product id so each product's history stays ordered.
type KafkaForwarder struct {
	writer  MessageWriter
	queue   chan domain.StockChangedEvent
	metrics *metrics.Engine
	logger  logrus.FieldLogger
}

func NewKafkaForwarder(writer MessageWriter, buffer int, m *metrics.Engine, logger logrus.FieldLogger) *KafkaForwarder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaForwarder{
		writer:  writer,
		queue:   make(chan domain.StockChangedEvent, buffer),
		metrics: m,
		logger:  logger.WithField("module", "kafka"),
	}
}

// Handle enqueues without blocking; a full queue drops the event.
func (f *KafkaForwarder) Handle(_ context.Context, event domain.StockChangedEvent) {
	select {
	case f.queue <- event:
	default:
		f.metrics.ObserveDroppedEvent()
		f.logger.WithField("product_id", event.ProductID).Warn("stock event queue full, dropping event")
	}
}

// Run drains the queue until ctx ends, then flushes what is left with a
// short deadline and closes the writer.
func (f *KafkaForwarder) Run(ctx context.Context) error {
	defer func() {
		if err := f.writer.Close(); err != nil {
			f.logger.Warnf("kafka writer close failed: %v", err)
		}
	}()

	for {
		select {
		case event := <-f.queue:
			f.write(ctx, event)
		case <-ctx.Done():
			f.flush()
			return nil
		}
	}
}

func (f *KafkaForwarder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-f.queue:
			f.write(ctx, event)
		default:
			return
		}
	}
}

func (f *KafkaForwarder) write(ctx context.Context, event domain.StockChangedEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Errorf("encode stock event: %v", err)
		return
	}
	msg := kafka.Message{Key: []byte(event.ProductID), Value: data, Time: time.Now().UTC()}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		f.logger.WithFields(logrus.Fields{
			"product_id": event.ProductID,
			"order_id":   event.OrderID,
		}).Errorf("publish stock event failed: %v", err)
	}
}

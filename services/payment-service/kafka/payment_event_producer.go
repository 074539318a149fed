package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
	"go.uber.org/zap"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PaymentEventProducer struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

func NewPaymentEventProducer(brokers []string, topic string, logger *zap.Logger) *PaymentEventProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	p := NewPaymentEventProducerWithWriter(w, topic, logger)
	p.logger.Info("kafka producer initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return p
}

func NewPaymentEventProducerWithWriter(w MessageWriter, topic string, logger *zap.Logger) *PaymentEventProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentEventProducer{writer: w, topic: topic, logger: logger.Named("kafka")}
}

// Publish writes the event keyed by invoice so one invoice's events stay ordered on a partition.
func (p *PaymentEventProducer) Publish(ctx context.Context, event models.PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to send payment event", zap.String("topic", p.topic), zap.String("event_type", event.Type), zap.Error(err))
		return err
	}

	p.logger.Debug("sent payment event", zap.String("event_type", event.Type), zap.String("key", event.Key()))
	return nil
}

func (p *PaymentEventProducer) Close() {
	if err := p.writer.Close(); err != nil {
		p.logger.Warn("kafka producer close failed", zap.Error(err))
		return
	}
	p.logger.Info("kafka producer closed")
}

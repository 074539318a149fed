// Package events publishes payment audit events to SNS and fans them out across sinks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yashrajoria/salon-payments/services/payment-service/models"
	"go.uber.org/zap"
)

// TopicPublisher is satisfied by *aws.SNSClient.
type TopicPublisher interface {
	Publish(ctx context.Context, topicArn, groupKey string, message []byte) error
}

// Publisher matches services.EventPublisher.
type Publisher interface {
	Publish(ctx context.Context, event models.PaymentEvent) error
}

type SNSPublisher struct {
	client   TopicPublisher
	topicARN string
}

func NewSNSPublisher(client TopicPublisher, topicARN string) (*SNSPublisher, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("PAYMENT_SNS_TOPIC_ARN not set")
	}
	return &SNSPublisher{client: client, topicARN: topicARN}, nil
}

func (p *SNSPublisher) Publish(ctx context.Context, event models.PaymentEvent) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}
	return p.client.Publish(ctx, p.topicARN, event.Key(), msg)
}

// Fanout sends every event to a primary sink and, best effort, to any secondary sinks.
// Only the primary's error is returned.
type Fanout struct {
	primary   Publisher
	secondary []Publisher
	logger    *zap.Logger
}

func NewFanout(logger *zap.Logger, primary Publisher, secondary ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, event models.PaymentEvent) error {
	var primaryErr error
	if f.primary != nil {
		primaryErr = f.primary.Publish(ctx, event)
	}
	var errs []error
	for _, p := range f.secondary {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		f.logger.Warn("secondary event publish failed", zap.String("event_type", event.Type), zap.Error(err))
	}
	return primaryErr
}

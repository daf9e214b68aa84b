package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/mail-scheduler/shared/rabbitmq"
)

// Broker is the part of the RabbitMQ client the publisher uses
type Broker interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

var _ Broker = (*rabbitmq.Client)(nil)

// RabbitPublisher publishes events as persistent JSON messages
type RabbitPublisher struct {
	broker Broker
}

func NewRabbitPublisher(broker Broker) *RabbitPublisher {
	return &RabbitPublisher{broker: broker}
}

func (p *RabbitPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.broker.PublishWithRetry(ctx, rabbitmq.Message{
		ID:          ev.ID,
		Type:        ev.Type,
		ContentType: "application/json",
		Body:        body,
	})
}

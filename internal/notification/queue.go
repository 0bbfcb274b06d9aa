package notification

import (
	"context"
	"encoding/json"
	"fmt"
)

// DeliveryQueueName is the RabbitMQ queue carrying async delivery jobs.
const DeliveryQueueName = "notification.delivery"

// QueuePublisher is the slice of the message client the dispatcher needs.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// RabbitDeliveryQueue adapts a queue publisher into the engine's DeliveryQueue.
type RabbitDeliveryQueue struct {
	publisher QueuePublisher
	queue     string
}

func NewRabbitDeliveryQueue(publisher QueuePublisher) *RabbitDeliveryQueue {
	return &RabbitDeliveryQueue{publisher: publisher, queue: DeliveryQueueName}
}

func (q *RabbitDeliveryQueue) Enqueue(ctx context.Context, job *DeliveryJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode delivery job: %w", err)
	}
	return q.publisher.Publish(ctx, q.queue, body)
}

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"airstream/internal/job"
)

// DefaultQueue is the queue the upload service publishes to.
const DefaultQueue = "transcode"

// Topology names the queue and its optional dead-letter exchange.
type Topology struct {
	Queue              string
	DeadLetterExchange string
}

// Declarer is implemented by *amqp.Channel.
type Declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// Declare makes sure the durable job queue exists. Rejected and failed
// deliveries are routed to the dead-letter exchange when one is set.
func Declare(ch Declarer, t Topology) error {
	if t.Queue == "" {
		t.Queue = DefaultQueue
	}
	var args amqp.Table
	if t.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	return nil
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher enqueues jobs on the default exchange.
type Publisher struct {
	ch    publishChannel
	queue string
}

func NewPublisher(ch publishChannel, queue string) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Publisher{ch: ch, queue: queue}
}

// Publish sends j as a persistent JSON message and returns its message id.
func (p *Publisher) Publish(ctx context.Context, j job.Job) (string, error) {
	body, err := job.Encode(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	id := j.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return id, nil
}

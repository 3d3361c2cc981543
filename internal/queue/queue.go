// Package queue moves inbound message jobs and gateway events through
// RabbitMQ. Jobs are retried with backoff and parked on a dead-letter queue
// once their attempt budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const attemptsHeader = "x-attempts"

// Job is one unit of asynchronous work. Payload is interpreted by Kind.
type Job struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Kind           string          `json:"kind"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Payload        json.RawMessage `json:"payload"`
}

// NewJob wraps a payload into a Job with a fresh id.
func NewJob(orgID, kind string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return Job{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Kind:           kind,
		EnqueuedAt:     time.Now().UTC(),
		Payload:        raw,
	}, nil
}

// JobHandler processes one job. A non-nil error schedules a retry.
type JobHandler func(ctx context.Context, job Job, attempt int) error

// Config tunes the broker.
type Config struct {
	URL            string
	QueuePrefix    string
	JobQueue       string
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Broker owns the RabbitMQ connection and channel.
type Broker struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
	cfg  Config
}

// Connect dials RabbitMQ and declares the job and dead-letter queues.
func Connect(cfg Config) (*Broker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	b := &Broker{conn: conn, ch: ch, cfg: cfg}
	for _, q := range []string{b.JobQueueName(), b.DeadLetterQueueName()} {
		if err := b.declare(q); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	log.Info().
		Str("queue", b.JobQueueName()).
		Str("deadLetterQueue", b.DeadLetterQueueName()).
		Msg("RabbitMQ connection established")
	return b, nil
}

// Close tears the channel and connection down.
func (b *Broker) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// JobQueueName is the prefixed name of the inbound job queue.
func (b *Broker) JobQueueName() string {
	return b.cfg.QueuePrefix + "_" + b.cfg.JobQueue
}

// DeadLetterQueueName is the prefixed name of the dead-letter queue.
func (b *Broker) DeadLetterQueueName() string {
	return b.JobQueueName() + "_dlq"
}

// eventQueueName routes gateway events to one queue per event type.
func (b *Broker) eventQueueName(eventType string) string {
	return b.cfg.QueuePrefix + "_" + strings.ToLower(eventType)
}

func (b *Broker) declare(name string) error {
	_, err := b.ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("could not declare queue %s: %w", name, err)
	}
	return nil
}

// PublishJob enqueues a job. The publish is persistent so jobs survive a
// broker restart.
func (b *Broker) PublishJob(ctx context.Context, job Job) error {
	return b.publishJobAttempt(ctx, job, 1, b.JobQueueName())
}

func (b *Broker) publishJobAttempt(ctx context.Context, job Job, attempt int, queueName string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = b.ch.PublishWithContext(ctx,
		"",        // exchange (default)
		queueName, // routing key = queue
		false,     // mandatory
		false,     // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    job.ID,
			Headers:      amqp091.Table{attemptsHeader: int32(attempt)},
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish to %s: %w", queueName, err)
	}
	log.Debug().Str("queue", queueName).Str("jobId", job.ID).Int("attempt", attempt).Msg("Job published")
	return nil
}

// PublishEvent fans a gateway event out to its per-type queue, the way
// subscribers expect them: one queue per event type under the shared prefix.
func (b *Broker) PublishEvent(ctx context.Context, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	queueName := b.eventQueueName(eventType)
	if err := b.declare(queueName); err != nil {
		return err
	}
	err = b.ch.PublishWithContext(ctx,
		"", queueName, false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish event to %s: %w", queueName, err)
	}
	log.Debug().Str("eventType", eventType).Str("queue", queueName).Msg("Event published")
	return nil
}

// Consume pulls jobs off the queue and runs them on the worker pool with
// manual acknowledgment. Failed jobs are republished with an incremented
// attempt counter after a backoff, and parked on the dead-letter queue once
// MaxAttempts is reached. Blocks until ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, pool *ants.Pool, handler JobHandler) error {
	if err := b.ch.Qos(pool.Cap(), 0, false); err != nil {
		return fmt.Errorf("could not set channel QoS: %w", err)
	}
	deliveries, err := b.ch.Consume(
		b.JobQueueName(),
		"",    // consumer tag
		false, // manual ack after the handler finishes
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("could not start consumer: %w", err)
	}
	log.Info().Str("queue", b.JobQueueName()).Int("concurrency", pool.Cap()).Msg("Job consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			delivery := d
			if err := pool.Submit(func() { b.handleDelivery(ctx, delivery, handler) }); err != nil {
				log.Error().Err(err).Msg("Failed to submit job to worker pool")
				_ = delivery.Nack(false, true)
			}
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, d amqp091.Delivery, handler JobHandler) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error().Err(err).Msg("Dropping undecodable job")
		_ = d.Ack(false)
		return
	}
	attempt := deliveryAttempt(d)

	err := handler(ctx, job, attempt)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	log.Warn().Err(err).
		Str("jobId", job.ID).
		Str("organizationId", job.OrganizationID).
		Int("attempt", attempt).
		Msg("Job failed")

	if attempt >= b.cfg.MaxAttempts {
		if dlqErr := b.publishJobAttempt(ctx, job, attempt, b.DeadLetterQueueName()); dlqErr != nil {
			log.Error().Err(dlqErr).Str("jobId", job.ID).Msg("Failed to park job on dead-letter queue")
			_ = d.Nack(false, true)
			return
		}
		log.Error().Str("jobId", job.ID).Int("attempts", attempt).Msg("Job moved to dead-letter queue")
		_ = d.Ack(false)
		return
	}

	// Backoff doubles per attempt before the job goes back on the queue.
	delay := b.cfg.RetryBaseDelay * (1 << (attempt - 1))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}
	if pubErr := b.publishJobAttempt(ctx, job, attempt+1, b.JobQueueName()); pubErr != nil {
		log.Error().Err(pubErr).Str("jobId", job.ID).Msg("Failed to republish job for retry")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func deliveryAttempt(d amqp091.Delivery) int {
	if d.Headers != nil {
		switch v := d.Headers[attemptsHeader].(type) {
		case int32:
			return int(v)
		case int64:
			return int(v)
		case int:
			return v
		}
	}
	return 1
}

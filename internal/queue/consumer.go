package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"airstream/internal/job"
	"airstream/internal/pipeline"
)

// Channel is the subset of *amqp.Channel the consumer uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// Runner processes one job.
type Runner interface {
	Run(ctx context.Context, j job.Job) (pipeline.Result, error)
}

type ConsumerOptions struct {
	Queue string
	// Tag identifies the consumer on the broker.
	Tag         string
	Concurrency int
	// RequeueOnFailure puts failed jobs back on the queue instead of letting
	// the broker dead-letter them.
	RequeueOnFailure bool
	// DrainTimeout bounds how long shutdown waits for running jobs before
	// cancelling them.
	DrainTimeout time.Duration
	// BusyDelay is waited before a job owned by another worker is requeued.
	BusyDelay time.Duration
}

// Consumer feeds queue deliveries to a Runner.
type Consumer struct {
	ch     Channel
	runner Runner
	opts   ConsumerOptions
	log    zerolog.Logger
}

func NewConsumer(ch Channel, runner Runner, opts ConsumerOptions, log zerolog.Logger) *Consumer {
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.Tag == "" {
		opts.Tag = "hlsworker"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Minute
	}
	if opts.BusyDelay < 0 {
		opts.BusyDelay = 0
	}
	return &Consumer{ch: ch, runner: runner, opts: opts, log: log}
}

// Run consumes until ctx is done or the delivery channel closes. On shutdown
// it stops taking deliveries and waits up to DrainTimeout for running jobs;
// jobs still running after that are cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.opts.Concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.Consume(c.opts.Queue, c.opts.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}
	c.log.Info().Str("queue", c.opts.Queue).Int("concurrency", c.opts.Concurrency).Msg("waiting for jobs")

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.work(ctx, jobCtx, deliveries)
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		if ctx.Err() == nil {
			return errors.New("delivery channel closed")
		}
		return nil
	case <-ctx.Done():
	}

	c.log.Info().Dur("drainTimeout", c.opts.DrainTimeout).Msg("shutting down, draining running jobs")
	if err := c.ch.Cancel(c.opts.Tag, false); err != nil {
		c.log.Warn().Err(err).Msg("failed to cancel the consumer")
	}
	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-workersDone:
		c.log.Info().Msg("all running jobs finished")
	case <-timer.C:
		c.log.Warn().Msg("drain timeout elapsed, cancelling running jobs")
		cancelJobs()
		<-workersDone
	}
	return nil
}

func (c *Consumer) work(ctx, jobCtx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// Prefetched but never started: hand it back.
				if err := d.Nack(false, true); err != nil {
					c.log.Warn().Err(err).Msg("failed to requeue the delivery")
				}
				return
			}
			c.handle(jobCtx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	log := c.log.With().Str("messageId", d.MessageId).Uint64("deliveryTag", d.DeliveryTag).Logger()

	j, err := job.Decode(d.MessageId, d.Body)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode the message")
		if err := d.Reject(false); err != nil {
			log.Error().Err(err).Msg("failed to reject the message")
		}
		return
	}

	_, err = c.runner.Run(ctx, j)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Str("jobId", j.ID).Msg("failed to ack the message")
		}
	case errors.Is(err, pipeline.ErrInvalidJob):
		log.Error().Err(err).Str("jobId", j.ID).Msg("dropping the invalid job")
		if err := d.Reject(false); err != nil {
			log.Error().Err(err).Str("jobId", j.ID).Msg("failed to reject the message")
		}
	case errors.Is(err, pipeline.ErrBusy):
		sleep(ctx, c.opts.BusyDelay)
		if err := d.Nack(false, true); err != nil {
			log.Error().Err(err).Str("jobId", j.ID).Msg("failed to requeue the message")
		}
	default:
		log.Error().Err(err).Str("jobId", j.ID).Bool("requeue", c.opts.RequeueOnFailure).Msg("job failed")
		if err := d.Nack(false, c.opts.RequeueOnFailure); err != nil {
			log.Error().Err(err).Str("jobId", j.ID).Msg("failed to nack the message")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

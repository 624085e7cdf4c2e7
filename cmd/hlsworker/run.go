package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"airstream/internal/lock"
	"airstream/internal/metrics"
	"airstream/internal/notify"
	"airstream/internal/queue"
	"airstream/internal/records"
)

// busyDelay is waited before requeueing a job whose file is leased elsewhere.
const busyDelay = 5 * time.Second

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume transcode jobs from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.ensure()
			if err != nil {
				return err
			}
			if err := cfg.Validate(true); err != nil {
				return err
			}
			runCtx := cmd.Context()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			svc := services{
				Notifier: notify.Nop{},
				Locker:   lock.Nop{},
				Metrics:  metrics.New(reg),
			}

			store, err := records.NewPostgresStore(runCtx, records.PostgresConfig{
				DSN:             cfg.Database.URL,
				MaxConnections:  cfg.Database.MaxConnections,
				ApplicationName: "hlsworker",
			})
			if err != nil {
				return err
			}
			defer store.Close()
			svc.Records = store

			if cfg.Redis.DSN != "" {
				client, err := newRedisClient(runCtx, cfg.Redis.DSN)
				if err != nil {
					return err
				}
				defer client.Close()
				svc.Notifier = notify.NewRedis(client, cfg.Redis.Channel)
				svc.Locker = lock.NewRedis(client, cfg.Redis.LockPrefix, cfg.Redis.LockTTL.Duration)
			} else {
				log.Warn().Msg("REDIS_DSN is not set, notifications and file leases are disabled")
			}

			orchestrator, err := newOrchestrator(runCtx, cfg, svc, false, log)
			if err != nil {
				return err
			}

			conn, err := amqp.Dial(cfg.Queue.URL)
			if err != nil {
				return fmt.Errorf("connect to RabbitMQ: %w", err)
			}
			defer conn.Close()
			channel, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("open a channel: %w", err)
			}
			defer channel.Close()
			if err := queue.Declare(channel, queue.Topology{
				Queue:              cfg.Queue.Name,
				DeadLetterExchange: cfg.Queue.DeadLetterExchange,
			}); err != nil {
				return err
			}

			consumer := queue.NewConsumer(channel, orchestrator, queue.ConsumerOptions{
				Queue:            cfg.Queue.Name,
				Concurrency:      cfg.Pipeline.Concurrency,
				RequeueOnFailure: cfg.Queue.RequeueOnFailure,
				DrainTimeout:     cfg.Pipeline.DrainTimeout.Duration,
				BusyDelay:        busyDelay,
			}, log)

			g, gctx := errgroup.WithContext(runCtx)
			if cfg.Metrics.Addr != "" {
				g.Go(func() error {
					log.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
					return metrics.Serve(gctx, cfg.Metrics.Addr, reg, nil)
				})
			}
			g.Go(func() error {
				return consumer.Run(gctx)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			log.Info().Msg("worker stopped")
			return nil
		},
	}
}

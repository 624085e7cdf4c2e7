package main

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"airstream/internal/queue"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var name string
	var uploader string

	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Publish a transcode job for a file the workers can read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensure()
			if err != nil {
				return err
			}
			if cfg.Queue.URL == "" {
				return errors.New("RABBITMQ_URL is required")
			}
			j, err := localJob(args[0], name)
			if err != nil {
				return err
			}
			j.Uploader = uploader

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

			id, err := queue.NewPublisher(channel, cfg.Queue.Name).Publish(cmd.Context(), j)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Stored file name (defaults to the base name of <file>)")
	cmd.Flags().StringVar(&uploader, "uploader", "", "Uploader email recorded with the job")
	return cmd
}

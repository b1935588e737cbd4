package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasklist-api/storage"
)

func feedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Read the task change queue",
	}
	cmd.AddCommand(feedTailCmd())
	return cmd
}

func feedTailCmd() *cobra.Command {
	var (
		limit int
		idle  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Consume change messages and print them as JSON lines",
		Long: `Consume messages from CHANGE_QUEUE in STORAGE_CONNECTION_STRING and print
one JSON object per line. Consumed messages are deleted from the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			connStr := os.Getenv("STORAGE_CONNECTION_STRING")
			queueName := os.Getenv("CHANGE_QUEUE")
			if connStr == "" || queueName == "" {
				return errors.New("STORAGE_CONNECTION_STRING and CHANGE_QUEUE must be set")
			}
			queue, err := storage.NewQueueClient(connStr, queueName)
			if err != nil {
				return fmt.Errorf("queue client: %w", err)
			}
			consumer := storage.NewFeedConsumer(queue, log.StandardLogger(), idle)
			return tailFeed(cmd.Context(), consumer, cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many messages (0 follows forever)")
	cmd.Flags().DurationVar(&idle, "idle", time.Second, "wait between polls of an empty queue")
	return cmd
}

func tailFeed(ctx context.Context, consumer *storage.FeedConsumer, w io.Writer, limit int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	seen := 0
	return consumer.Run(ctx, func(_ context.Context, msg storage.FeedMessage) error {
		line, err := sonic.MarshalString(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			cancel()
		}
		return nil
	})
}

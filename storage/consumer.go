package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

type feedQueue interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// FeedHandler processes one change. A returned error leaves the message on the
// queue so it becomes visible again.
type FeedHandler func(ctx context.Context, msg FeedMessage) error

// FeedConsumer reads change messages written by ChangeFeed.
type FeedConsumer struct {
	queue feedQueue
	log   *log.Logger
	idle  time.Duration
}

func NewFeedConsumer(queue feedQueue, logger *log.Logger, idle time.Duration) *FeedConsumer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if idle <= 0 {
		idle = time.Second
	}
	return &FeedConsumer{queue: queue, log: logger, idle: idle}
}

// Run polls until ctx is done. Undecodable messages are deleted.
func (c *FeedConsumer) Run(ctx context.Context, handle FeedHandler) error {
	for {
		handled, err := c.Next(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.WithError(err).Warn("change feed receive failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.idle):
		}
	}
}

// Next processes at most one message and reports whether one was received.
func (c *FeedConsumer) Next(ctx context.Context, handle FeedHandler) (bool, error) {
	resp, err := c.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	raw := resp.Messages[0]
	if raw.MessageID == nil || raw.PopReceipt == nil {
		return true, errors.New("dequeued message without id or pop receipt")
	}

	var msg FeedMessage
	text := ""
	if raw.MessageText != nil {
		text = *raw.MessageText
	}
	if err := sonic.UnmarshalString(text, &msg); err != nil || msg.Owner == "" {
		c.log.WithField("messageId", *raw.MessageID).Warn("dropping malformed change message")
		return true, c.delete(ctx, *raw.MessageID, *raw.PopReceipt)
	}
	if err := handle(ctx, msg); err != nil {
		c.log.WithError(err).WithFields(log.Fields{"owner": msg.Owner, "kind": msg.Kind}).Error("handle change")
		return true, nil
	}
	return true, c.delete(ctx, *raw.MessageID, *raw.PopReceipt)
}

func (c *FeedConsumer) delete(ctx context.Context, id, receipt string) error {
	_, err := c.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

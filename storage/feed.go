package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasklist-api/collection"
)

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// FeedOptions tunes the change feed workers.
type FeedOptions struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

func (o FeedOptions) withDefaults() FeedOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 30 * time.Second
	}
	if o.HandoffTimeout < 0 {
		o.HandoffTimeout = 0
	}
	return o
}

// FeedMessage is one queue message per committed change. FeedConsumer reads it back.
type FeedMessage struct {
	Owner   string                `json:"owner"`
	Kind    collection.ChangeKind `json:"kind"`
	IDs     []string              `json:"ids"`
	Version uint64                `json:"version"`
	At      time.Time             `json:"at"`
}

// ChangeFeed forwards local store changes to an Azure queue without blocking writers.
type ChangeFeed struct {
	queue messageQueue
	log   *log.Logger
	opts  FeedOptions
	now   func() time.Time

	mu     sync.RWMutex
	jobs   chan FeedMessage
	closed bool
	wg     sync.WaitGroup
}

// NewQueueClient creates the change queue client from the connection string.
func NewQueueClient(connStr, queue string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
}

// NewChangeFeed starts the feed workers. Call Close to drain them.
func NewChangeFeed(queue messageQueue, logger *log.Logger, opts FeedOptions) *ChangeFeed {
	if queue == nil {
		panic("storage.NewChangeFeed: queue is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = opts.withDefaults()
	f := &ChangeFeed{
		queue: queue,
		log:   logger,
		opts:  opts,
		now:   time.Now,
		jobs:  make(chan FeedMessage, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}
	f.log.Infof("change feed started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.EnqueueTimeout, opts.HandoffTimeout)
	return f
}

// Handle is a Store subscriber. Remote changes were already fed by their origin.
func (f *ChangeFeed) Handle(ch collection.Change) {
	if ch.Remote {
		return
	}
	msg := FeedMessage{Owner: ch.Owner, Kind: ch.Kind, IDs: ch.IDs, Version: ch.Version, At: f.now().UTC()}
	if !f.offer(msg) {
		f.log.WithFields(log.Fields{"owner": ch.Owner, "kind": ch.Kind}).Warn("change feed full, dropping change")
	}
}

func (f *ChangeFeed) offer(msg FeedMessage) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.jobs <- msg:
		return true
	default:
	}
	if f.opts.HandoffTimeout == 0 {
		return false
	}
	timer := time.NewTimer(f.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case f.jobs <- msg:
		return true
	case <-timer.C:
		return false
	}
}

func (f *ChangeFeed) worker(id int) {
	defer f.wg.Done()
	for msg := range f.jobs {
		data, err := sonic.MarshalString(msg)
		if err != nil {
			f.log.WithError(err).Error("encode change")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.opts.EnqueueTimeout)
		_, err = f.queue.EnqueueMessage(ctx, data, nil)
		cancel()
		if err != nil {
			f.log.Errorf("enqueue change failed, err: %v, owner: %s, kind: %s, worker: %d", err, msg.Owner, msg.Kind, id)
		}
	}
}

// Close stops accepting changes and waits for queued ones to be sent.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.jobs)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklist-api/collection"
)

const publishTimeout = 5 * time.Second

// ChangeMessage is the payload exchanged between instances on the changes channel.
type ChangeMessage struct {
	Owner   string                `json:"owner"`
	Kind    collection.ChangeKind `json:"kind"`
	Version uint64                `json:"version"`
	Origin  string                `json:"origin"`
}

// RedisNotifier tells other instances about local changes so they drop their snapshots.
type RedisNotifier struct {
	rc      *redis.Client
	channel string
	origin  string
	log     *log.Logger
}

func NewRedisNotifier(rc *redis.Client, channel string, logger *log.Logger) *RedisNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisNotifier{rc: rc, channel: channel, origin: uuid.NewString(), log: logger}
}

// Publish sends ch on the changes channel.
func (n *RedisNotifier) Publish(ctx context.Context, ch collection.Change) error {
	data, err := sonic.Marshal(ChangeMessage{Owner: ch.Owner, Kind: ch.Kind, Version: ch.Version, Origin: n.origin})
	if err != nil {
		return err
	}
	return n.rc.Publish(ctx, n.channel, data).Err()
}

// Handle is a Store subscriber. Remote changes are not republished.
func (n *RedisNotifier) Handle(ch collection.Change) {
	if ch.Remote {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := n.Publish(ctx, ch); err != nil {
			n.log.WithError(err).WithFields(log.Fields{"owner": ch.Owner, "kind": ch.Kind}).Warn("publish change failed")
		}
	}()
}

// Listen calls onRemote for every change published by another instance until ctx is
// done, resubscribing when the channel closes.
func (n *RedisNotifier) Listen(ctx context.Context, onRemote func(owner string)) {
	for {
		sub := n.rc.Subscribe(ctx, n.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			n.log.WithError(err).Error("subscribe to changes failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		n.consume(ctx, sub.Channel(), onRemote)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		n.log.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (n *RedisNotifier) consume(ctx context.Context, ch <-chan *redis.Message, onRemote func(owner string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m ChangeMessage
			if err := sonic.UnmarshalString(msg.Payload, &m); err != nil {
				n.log.WithError(err).Error("unable to parse change")
				continue
			}
			if m.Origin == n.origin || m.Owner == "" {
				continue
			}
			n.log.WithFields(log.Fields{"owner": m.Owner, "kind": m.Kind, "version": m.Version}).Debug("remote change")
			onRemote(m.Owner)
		}
	}
}

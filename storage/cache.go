package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"tasklist-api/collection"
	"tasklist-api/domain"
)

// Cache wraps a Gateway with Redis-backed caching for list reads. Every write evicts the
// owner's entry and bumps the owner's fill generation; a list fetched before an eviction
// is never stored after it.
type Cache struct {
	base  collection.Gateway
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Gateway wrapper using the provided Redis client and TTL.
func NewCache(base collection.Gateway, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base gateway is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) List(ctx context.Context, owner string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, owner); ok {
		return tasks, nil
	}
	gen, fill := c.fillGeneration(ctx, owner)
	tasks, err := c.base.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	if fill {
		c.storeTasks(ctx, owner, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) Insert(ctx context.Context, owner string, draft domain.Draft) (domain.Task, error) {
	defer c.Evict(ctx, owner)
	return c.base.Insert(ctx, owner, draft)
}

func (c *Cache) Update(ctx context.Context, owner, id string, patch domain.Patch) (domain.Task, error) {
	defer c.Evict(ctx, owner)
	return c.base.Update(ctx, owner, id, patch)
}

func (c *Cache) SetCompleted(ctx context.Context, owner, id string, completed bool) (domain.Task, error) {
	defer c.Evict(ctx, owner)
	return c.base.SetCompleted(ctx, owner, id, completed)
}

func (c *Cache) Delete(ctx context.Context, owner, id string) error {
	defer c.Evict(ctx, owner)
	return c.base.Delete(ctx, owner, id)
}

func (c *Cache) BulkSetOrder(ctx context.Context, owner string, orders []domain.OrderAssignment) error {
	defer c.Evict(ctx, owner)
	return c.base.BulkSetOrder(ctx, owner, orders)
}

// Evict drops the cached list for owner. Writes evict even when they fail since the
// gateway may have applied part of them.
func (c *Cache) Evict(ctx context.Context, owner string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, tasksGenKey(owner))
		pipe.Del(ctx, tasksCacheKey(owner))
		return nil
	})
}

// fillGeneration reads the generation a later fill must still see. ok is false when the
// list must not be cached.
func (c *Cache) fillGeneration(ctx context.Context, owner string) (gen int64, ok bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, tasksGenKey(owner)).Int64()
	if err != nil && err != redis.Nil {
		return 0, false
	}
	return gen, true
}

func (c *Cache) loadTasks(ctx context.Context, owner string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(owner)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the gateway without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		return nil, false
	}
	return tasks, true
}

// storeTasks caches tasks only while the owner's generation is still gen. An eviction
// racing the check aborts the transaction through WATCH.
func (c *Cache) storeTasks(ctx context.Context, owner string, gen int64, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := tasksGenKey(owner)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(owner), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func tasksCacheKey(owner string) string {
	return "tasks:" + owner
}

// tasksGenKey has no expiry: a counter that expired and restarted could repeat the
// value an in-flight fill read.
func tasksGenKey(owner string) string {
	return "tasks:" + owner + ":gen"
}

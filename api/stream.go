package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklist-api/collection"
	"tasklist-api/domain"
)

var streamKeepAlive = 25 * time.Second

type streamEvent struct {
	Tasks   []domain.Task `json:"tasks"`
	Version uint64        `json:"version"`
	Tags    []string      `json:"tags"`
}

// broker fans store changes out to the open event streams of each owner. Subscribers
// only get a wake-up signal and re-read the snapshot themselves.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newBroker(store TaskStore, logger *log.Logger) *broker {
	b := &broker{subs: make(map[string]map[chan struct{}]struct{})}
	store.Subscribe(func(ch collection.Change) {
		logger.WithFields(log.Fields{
			"owner":   ch.Owner,
			"kind":    ch.Kind,
			"version": ch.Version,
			"remote":  ch.Remote,
		}).Debug("stream notify")
		b.notify(ch.Owner)
	})
	return b
}

func (b *broker) subscribe(owner string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[owner] == nil {
		b.subs[owner] = make(map[chan struct{}]struct{})
	}
	b.subs[owner][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(owner string, ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs[owner], ch)
	if len(b.subs[owner]) == 0 {
		delete(b.subs, owner)
	}
	b.mu.Unlock()
}

func (b *broker) notify(owner string) {
	b.mu.Lock()
	for ch := range b.subs[owner] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *broker) subscribers(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[owner])
}

// streamTasks sends the caller's full collection as a server-sent event on connect and
// after every change.
func streamTasks(store TaskStore, b *broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, _ := c.Get(ownerContextKey).(string)
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
		}

		ctx := c.Request().Context()
		ch := b.subscribe(owner)
		defer b.unsubscribe(owner, ch)
		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()

		entry := logger.WithField("owner", owner)
		for {
			snap, err := store.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				entry.WithError(err).Warn("stream read failed")
				return err
			}
			data, err := sonic.Marshal(streamEvent{
				Tasks:   nonNil(snap.Tasks),
				Version: snap.Version,
				Tags:    domain.DistinctTags(snap.Tasks),
			})
			if err != nil {
				return err
			}
			if err := writeEvent(res, data); err != nil {
				entry.WithError(err).Debug("stream closed")
				return nil
			}
			flusher.Flush()

		wait:
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ch:
					break wait
				case <-ticker.C:
					if _, err := res.Write([]byte(": ping\n\n")); err != nil {
						return nil
					}
					flusher.Flush()
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSubscribers means the event reached nobody. Broadcasters treat it
// like any other delivery failure and fall back to the snapshot file.
var ErrNoSubscribers = errors.New("progress: no subscribers")

// Event is one progress notification for an export.
type Event struct {
	ExportID  string    `json:"export_id"`
	Progress  int       `json:"progress"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the real-time channel. Delivery is fire-and-forget.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

const channelPrefix = "exports:progress:"

// RedisBus fans events out over Redis Pub/Sub, one channel per export.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	n, err := b.client.Publish(ctx, channelPrefix+ev.ExportID, payload).Result()
	if err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	if n == 0 {
		return ErrNoSubscribers
	}
	return nil
}

// Subscribe listens to every export's channel until the returned close func is called.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ps := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe progress: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.ExportID == "" {
				ev.ExportID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = ps.Close() }, nil
}

// LocalBus is an in-process bus for single-binary deployments and tests.
// Slow subscribers lose events rather than block publishers.
type LocalBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Event)}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notice announces one record resolution. Callers that need live
// updates subscribe to a broker; there is no implicit reactivity on
// shared state.
type Notice struct {
	SessionID  string    `json:"session_id"`
	ClassID    string    `json:"class_id"`
	StudentID  string    `json:"student_id"`
	Status     string    `json:"status"`
	Overridden bool      `json:"overridden"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Broker is the abstraction over notification backends.
type Broker interface {
	Publish(ctx context.Context, n Notice) error
	Subscribe(ctx context.Context) (<-chan Notice, error)
}

// InMemory fans notices out to all subscribers over buffered channels.
// Slow subscribers drop notices rather than stalling resolution.
type InMemory struct {
	mu   sync.Mutex
	subs []chan Notice
	size int
}

// NewInMemory creates a broker with per-subscriber buffer size.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{size: size}
}

// Publish delivers a notice to every subscriber without blocking.
func (b *InMemory) Publish(ctx context.Context, n Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber; the channel closes when ctx is
// cancelled.
func (b *InMemory) Subscribe(ctx context.Context) (<-chan Notice, error) {
	ch := make(chan Notice, b.size)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// RedisBroker publishes notices on a redis pub/sub channel as JSON.
type RedisBroker struct {
	client  *redis.Client
	channel string
}

// NewRedisBroker builds a broker over the given pub/sub channel.
func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = "rollcall:resolutions"
	}
	return &RedisBroker{client: client, channel: channel}
}

// Publish sends the notice to the redis channel.
func (b *RedisBroker) Publish(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe streams notices from the redis channel until ctx ends.
// Malformed payloads are skipped.
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Notice, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan Notice)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var n Notice
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

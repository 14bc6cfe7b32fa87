package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one event travelling from the attendance engine to the broadcast hubs.
// Body is the JSON frame pushed to websocket observers as-is.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Bus delivers every published message to every current subscriber.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// InMemory fans messages out to in-process subscribers. A subscriber that
// is not keeping up loses messages rather than blocking the publisher.
type InMemory struct {
	size int
	mu   sync.RWMutex
	subs map[chan Message]struct{}
}

// NewInMemory creates a bus whose subscribers buffer up to size messages.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{size: size, subs: make(map[chan Message]struct{})}
}

// Publish hands msg to every subscriber without waiting on slow ones.
func (b *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			log.Printf("eventbus: subscriber full, dropping %s event", msg.Type)
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (b *InMemory) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, b.size)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Redis publishes through a Redis pub/sub channel so every API instance's hub sees every event.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis builds a bus on the given pub/sub channel.
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "campus:attendance-events"
	}
	return &Redis{client: client, channel: channel}
}

// Publish sends msg on the channel.
func (b *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe streams decoded messages until ctx is done.
func (b *Redis) Subscribe(ctx context.Context) (<-chan Message, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					log.Printf("eventbus: dropping undecodable message: %v", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

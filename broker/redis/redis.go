// Package redis is a Redis Streams-based implementation of the broker.Broker
// interface. It lets out-of-process subscribers (e.g. a separate dashboard
// service) consume a session's events while keeping per-room ordering.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rtcvision/rtcvision/broker"
)

// Broker implements broker.Broker over Redis Streams.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default localhost client
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "rtcvision:events:" if empty.
	KeyPrefix string
}

// New creates a new Redis-based broker instance.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "rtcvision:events:"
	}
	return &Broker{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, room string, eventType string, payload any) (string, error) {
	data, err := broker.Encode(eventType, payload)
	if err != nil {
		return "", err
	}

	streamKey := b.streamKey(room)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"type": eventType,
			"data": []byte(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker. The returned stream is fed by a
// background XRead loop that stops when ctx is cancelled or the stream is
// closed.
func (b *Broker) Subscribe(ctx context.Context, room string, lastEventID string) (broker.EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		ch:     make(chan broker.Event, 32),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}

	startID := "$" // next published event when no cursor is given
	if lastEventID != "" {
		startID = lastEventID
	}
	streamKey := b.streamKey(room)

	go func() {
		defer close(s.ch)
		cursor := startID
		for {
			if subCtx.Err() != nil {
				return
			}

			res, err := b.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{streamKey, cursor},
				Count:   16,
				Block:   time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				select {
				case s.errCh <- fmt.Errorf("read stream %s: %w", streamKey, err):
				default:
				}
				return
			}

			for _, str := range res {
				for _, msg := range str.Messages {
					cursor = msg.ID
					ev, ok := decodeEvent(msg)
					if !ok {
						continue
					}
					select {
					case s.ch <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()

	return s, nil
}

// Cleanup implements broker.Broker by deleting the room's stream.
func (b *Broker) Cleanup(ctx context.Context, room string) error {
	if err := b.client.Del(ctx, b.streamKey(room)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("cleanup room %s: %w", room, err)
	}
	return nil
}

func (b *Broker) streamKey(room string) string {
	return b.keyPrefix + "stream:" + room
}

func decodeEvent(msg redis.XMessage) (broker.Event, bool) {
	typ, ok := msg.Values["type"].(string)
	if !ok {
		return broker.Event{}, false
	}
	data, ok := msg.Values["data"].(string)
	if !ok {
		return broker.Event{}, false
	}
	return broker.Event{ID: msg.ID, Type: typ, Data: json.RawMessage(data)}, true
}

type stream struct {
	ch      chan broker.Event
	errCh   chan error
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
}

// Next implements broker.EventStream.
func (s *stream) Next(ctx context.Context) (broker.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			select {
			case err := <-s.errCh:
				return broker.Event{}, err
			default:
			}
			return broker.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return broker.Event{}, ctx.Err()
	}
}

// Close implements broker.EventStream.
func (s *stream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
	}
	return nil
}

var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.EventStream = (*stream)(nil)
)

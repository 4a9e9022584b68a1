// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for event delivery. It is the default for
// single-process deployments and for tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rtcvision/rtcvision/broker"
)

// subscriberBuffer bounds the per-subscriber channel. A subscriber that
// cannot keep up has events dropped rather than blocking the publisher,
// matching the fire-and-forget contract.
const subscriberBuffer = 100

// replayLimit bounds the per-room event log kept for last-event-id resume.
// A video session publishes two events per frame indefinitely, so the log
// must shed old entries; a resume pointing before the retained window
// continues live-only.
const replayLimit = 256

// Broker implements broker.Broker using in-memory channels. State is local
// to the process.
type Broker struct {
	mu           sync.RWMutex
	rooms        map[string]*room
	eventCounter atomic.Int64
}

// room is an isolated event log with its subscribers.
type room struct {
	mu          sync.RWMutex
	events      []broker.Event
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	room   *room
	ch     chan broker.Event
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates a new memory-based broker instance.
func New() *Broker {
	return &Broker{rooms: make(map[string]*room)}
}

func (b *Broker) ensureRoom(name string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[name]
	if !ok {
		r = &room{subscribers: make(map[*subscription]struct{})}
		b.rooms[name] = r
	}
	return r
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, roomName string, eventType string, payload any) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	data, err := broker.Encode(eventType, payload)
	if err != nil {
		return "", err
	}

	ev := broker.Event{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Type: eventType,
		Data: data,
	}

	r := b.ensureRoom(roomName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", fmt.Errorf("room %q has been cleaned up", roomName)
	}

	r.events = append(r.events, ev)
	if len(r.events) > replayLimit {
		r.events = append(r.events[:0:0], r.events[len(r.events)-replayLimit:]...)
	}

	for sub := range r.subscribers {
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
			delete(r.subscribers, sub)
		default:
			// Subscriber buffer full: shed the event for this subscriber.
		}
	}

	return ev.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, roomName string, lastEventID string) (broker.EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r := b.ensureRoom(roomName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("room %q has been cleaned up", roomName)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		room:   r,
		ch:     make(chan broker.Event, subscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}
	r.subscribers[sub] = struct{}{}

	// Replay history when resuming from a known event ID.
	if lastEventID != "" {
		startIdx := -1
		for i, ev := range r.events {
			if ev.ID == lastEventID {
				startIdx = i + 1
				break
			}
		}
		if startIdx >= 0 {
			for i := startIdx; i < len(r.events); i++ {
				select {
				case sub.ch <- r.events[i]:
				case <-sub.ctx.Done():
					delete(r.subscribers, sub)
					return nil, sub.ctx.Err()
				}
			}
		}
	}

	return sub, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, roomName string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	r, ok := b.rooms[roomName]
	if ok {
		delete(b.rooms, roomName)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for sub := range r.subscribers {
		// Same CAS as subscription.Close: a subscriber tearing itself down
		// concurrently must not close the channel a second time.
		if sub.closed.CompareAndSwap(false, true) {
			sub.cancel()
			close(sub.ch)
		}
	}
	r.subscribers = make(map[*subscription]struct{})
	r.events = nil

	return nil
}

// Next implements broker.EventStream.
func (s *subscription) Next(ctx context.Context) (broker.Event, error) {
	if s.closed.Load() {
		return broker.Event{}, io.EOF
	}

	select {
	case ev, ok := <-s.ch:
		if !ok {
			return broker.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return broker.Event{}, ctx.Err()
	case <-s.ctx.Done():
		return broker.Event{}, s.ctx.Err()
	}
}

// Close implements broker.EventStream.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.room.mu.Lock()
		delete(s.room.subscribers, s)
		s.room.mu.Unlock()

		s.cancel()
		close(s.ch)
	}
	return nil
}

var (
	_ broker.Broker      = (*Broker)(nil)
	_ broker.EventStream = (*subscription)(nil)
)

// Package brokertest runs a conformance suite against any broker.Broker
// implementation.
package brokertest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rtcvision/rtcvision/broker"
)

// Factory creates a fresh broker instance for a test.
type Factory func(t *testing.T) broker.Broker

// Run runs the complete broker conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("OrderedDelivery", func(t *testing.T) { testOrderedDelivery(t, factory) })
	t.Run("PublishWithoutSubscriber", func(t *testing.T) { testPublishWithoutSubscriber(t, factory) })
	t.Run("RoomIsolation", func(t *testing.T) { testRoomIsolation(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, factory) })
}

type payload struct {
	Seq int `json:"seq"`
}

func testOrderedDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	room := uniqueRoom("ordered")
	defer b.Cleanup(context.Background(), room)

	// Anchor the subscription to a sentinel event so that delivery is
	// deterministic regardless of how quickly the implementation attaches
	// the subscriber.
	anchor, err := b.Publish(ctx, room, broker.EventDetectionResult, payload{Seq: -1})
	if err != nil {
		t.Fatalf("Publish anchor failed: %v", err)
	}

	stream, err := b.Subscribe(ctx, room, anchor)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, room, broker.EventDetectionResult, payload{Seq: i}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		ev, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		var p payload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
		if p.Seq != i {
			t.Fatalf("out-of-order delivery: want seq %d, got %d", i, p.Seq)
		}
		if ev.Type != broker.EventDetectionResult {
			t.Errorf("event %d: want type %q, got %q", i, broker.EventDetectionResult, ev.Type)
		}
	}
}

func testPublishWithoutSubscriber(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	room := uniqueRoom("nosub")
	defer b.Cleanup(context.Background(), room)

	// Fire-and-forget: publishing with nobody attached succeeds.
	id, err := b.Publish(ctx, room, broker.EventMetricsUpdate, payload{Seq: 1})
	if err != nil {
		t.Fatalf("Publish without subscriber failed: %v", err)
	}
	if id == "" {
		t.Error("want non-empty event ID")
	}
}

func testRoomIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	roomA := uniqueRoom("isolation-a")
	roomB := uniqueRoom("isolation-b")
	defer b.Cleanup(context.Background(), roomA)
	defer b.Cleanup(context.Background(), roomB)

	anchor, err := b.Publish(ctx, roomA, broker.EventDetectionResult, payload{Seq: -1})
	if err != nil {
		t.Fatalf("Publish anchor failed: %v", err)
	}

	streamA, err := b.Subscribe(ctx, roomA, anchor)
	if err != nil {
		t.Fatalf("Subscribe room A failed: %v", err)
	}
	defer streamA.Close()

	if _, err := b.Publish(ctx, roomB, broker.EventDetectionResult, payload{Seq: 99}); err != nil {
		t.Fatalf("Publish to room B failed: %v", err)
	}
	if _, err := b.Publish(ctx, roomA, broker.EventDetectionResult, payload{Seq: 1}); err != nil {
		t.Fatalf("Publish to room A failed: %v", err)
	}

	ev, err := streamA.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	var p payload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if p.Seq != 1 {
		t.Errorf("room A received room B's event: got seq %d", p.Seq)
	}
}

func testResumeFromLastEventID(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	room := uniqueRoom("resume")
	defer b.Cleanup(context.Background(), room)

	// Publish two events; remember the first ID, then resume after it.
	id1, err := b.Publish(ctx, room, broker.EventDetectionResult, payload{Seq: 1})
	if err != nil {
		t.Fatalf("Publish 1 failed: %v", err)
	}
	if _, err := b.Publish(ctx, room, broker.EventDetectionResult, payload{Seq: 2}); err != nil {
		t.Fatalf("Publish 2 failed: %v", err)
	}

	stream, err := b.Subscribe(ctx, room, id1)
	if err != nil {
		t.Fatalf("Subscribe with cursor failed: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	var p payload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if p.Seq != 2 {
		t.Errorf("resume: want seq 2, got %d", p.Seq)
	}
}

func testCleanup(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	room := uniqueRoom("cleanup")

	if _, err := b.Publish(ctx, room, broker.EventDetectionResult, payload{Seq: 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := b.Cleanup(ctx, room); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	// Cleaning an unknown room is a no-op.
	if err := b.Cleanup(ctx, uniqueRoom("never-existed")); err != nil {
		t.Errorf("Cleanup of unknown room: want nil, got %v", err)
	}
}

var roomCounter int

func uniqueRoom(prefix string) string {
	roomCounter++
	return fmt.Sprintf("brokertest:%s:%d:%d", prefix, time.Now().UnixNano(), roomCounter)
}

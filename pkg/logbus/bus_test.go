package logbus

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

func TestPublish_RingRespectsCapacity(t *testing.T) {
	b := NewBus(3, 10, arbor.NewLogger())

	for i := 0; i < 5; i++ {
		b.Publish(LevelInfo, "test", "message", nil)
	}

	if len(b.ring) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(b.ring))
	}
	// The ring should hold the 3 most recent records, in order.
	if b.ring[0].ID != 3 || b.ring[2].ID != 5 {
		t.Fatalf("expected ring ids [3,4,5], got %v", []uint64{b.ring[0].ID, b.ring[1].ID, b.ring[2].ID})
	}
}

func TestSubscribe_ReplaysBurstThenLiveRecords(t *testing.T) {
	b := NewBus(100, 2, arbor.NewLogger())

	b.Publish(LevelInfo, "a", "first", nil)
	b.Publish(LevelInfo, "a", "second", nil)

	sub, burst := b.Subscribe("client-1")
	defer sub.Close()

	if len(burst) != 2 {
		t.Fatalf("expected burst of 2, got %d", len(burst))
	}
	if burst[0].Message != "first" || burst[1].Message != "second" {
		t.Fatalf("unexpected burst order: %+v", burst)
	}

	b.Publish(LevelInfo, "a", "third", nil)

	select {
	case rec := <-sub.Records():
		if rec.Message != "third" {
			t.Fatalf("expected live record 'third', got %s", rec.Message)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live record")
	}
}

func TestPublish_DropsSlowSubscriberRatherThanBlocking(t *testing.T) {
	b := NewBus(1000, 0, arbor.NewLogger())
	sub, _ := b.Subscribe("slow")

	// Fill the subscriber's buffered channel (capacity 256) without draining it.
	for i := 0; i < 300; i++ {
		b.Publish(LevelInfo, "a", "msg", nil)
	}

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected the slow subscriber to have been dropped, count=%d", b.SubscriberCount())
	}

	// The dropped subscriber's channel must be closed, not merely abandoned.
	select {
	case _, ok := <-sub.Records():
		if ok {
			// Drain remaining buffered records until channel closes.
			for {
				_, ok := <-sub.Records()
				if !ok {
					break
				}
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("expected dropped subscriber's channel to be closed")
	}
}

func TestClose_DetachesSubscription(t *testing.T) {
	b := NewBus(10, 0, arbor.NewLogger())
	sub, _ := b.Subscribe("client-2")

	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	sub.Close()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after Close, got %d", b.SubscriberCount())
	}
}

func TestCloseAll_DetachesEverySubscriber(t *testing.T) {
	b := NewBus(10, 0, arbor.NewLogger())
	b.Subscribe("a")
	b.Subscribe("b")
	b.Subscribe("c")

	b.CloseAll()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after CloseAll, got %d", b.SubscriberCount())
	}
}

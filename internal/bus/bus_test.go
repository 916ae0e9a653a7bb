package bus_test

import (
	"testing"

	"github.com/kestrel/warden/internal/bus"
)

func TestPublish_ReturnsDeliveredCount(t *testing.T) {
	b := bus.New()

	if got := b.Publish(bus.TopicTaskChanged, "nobody home"); got != 0 {
		t.Fatalf("no subscribers: expected 0 delivered, got %d", got)
	}

	sub1 := b.Subscribe("task.")
	sub2 := b.Subscribe("")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	if got := b.Publish(bus.TopicTaskChanged, "hello"); got != 2 {
		t.Fatalf("expected 2 delivered, got %d", got)
	}
	if got := b.Publish(bus.TopicBudgetPaused, "hello"); got != 1 {
		t.Fatalf("prefix mismatch: expected 1 delivered, got %d", got)
	}

	ev := <-sub1.Ch()
	if ev.Topic != bus.TopicTaskChanged || ev.Payload.(string) != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPublish_FullBufferDoesNotCount(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < 100; i++ {
		if got := b.Publish(bus.TopicTaskChanged, i); got != 1 {
			t.Fatalf("publish %d: expected delivered, got %d", i, got)
		}
	}
	if got := b.Publish(bus.TopicTaskChanged, "overflow"); got != 0 {
		t.Fatalf("full buffer must not count as delivered, got %d", got)
	}
}

func TestUnsubscribe_ClosesChannelOnce(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op
	b.Unsubscribe(nil)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
}

package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(TurnCommitted, "ok", map[string]string{"k": "v"})

	select {
	case ev := <-sub:
		if ev.Type != TurnCommitted {
			t.Errorf("event type = %q", ev.Type)
		}
		if ev.Message != "ok" || ev.Metadata["k"] != "v" {
			t.Errorf("event payload = %+v", ev)
		}
		if ev.ID == "" {
			t.Error("event missing id")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	b := NewBroker()
	for i := 0; i < 500; i++ {
		b.Publish(MessageEnqueued, "m", nil)
	}
}

func TestSlowSubscriberMissesEventsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// never read: publishing must still return once the buffer fills
	for i := 0; i < subscriberBuffer*3; i++ {
		b.Publish(TurnCommitted, "m", nil)
	}
	if got := len(sub); got != subscriberBuffer {
		t.Errorf("buffered events = %d, want %d", got, subscriberBuffer)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	// a second call must not close the channel again
	b.Unsubscribe(sub)

	if _, open := <-sub; open {
		t.Error("channel still open after unsubscribe")
	}

	// publishing after unsubscribe reaches no one and does not panic
	b.Publish(TurnAborted, "late", nil)
}

package bus

import (
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(16)
	sub := b.Subscribe(TopicStatus)
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		b.Publish(TopicStatus, i)
	}

	for i := 0; i < 10; i++ {
		got := <-sub.C
		if got != i {
			t.Fatalf("event %d: got %v", i, got)
		}
	}
}

func TestPublishOnlyMatchingTopic(t *testing.T) {
	b := New(16)
	sub := b.Subscribe(TopicNewMessage)
	defer sub.Cancel()

	b.Publish(TopicStatus, "status")
	b.Publish(TopicNewMessage, "message")

	if got := <-sub.C; got != "message" {
		t.Fatalf("got %v, want message", got)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event %v", ev)
	default:
	}
}

func TestPublishNeverBlocksAndCountsDrops(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(TopicStatus)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(TopicStatus, i)
		}
	}()
	<-done

	if got := sub.Dropped(TopicStatus); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	// The surviving events are the earliest published, in order.
	if got := <-sub.C; got != 0 {
		t.Errorf("first surviving event = %v, want 0", got)
	}
	if got := <-sub.C; got != 1 {
		t.Errorf("second surviving event = %v, want 1", got)
	}
}

func TestCancelClosesChannelAndStopsDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(TopicStatus)

	sub.Cancel()
	sub.Cancel() // idempotent

	b.Publish(TopicStatus, "late")

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after Cancel")
	}
}

func TestIndependentSubscriberQueues(t *testing.T) {
	b := New(1)
	slow := b.Subscribe(TopicStatus)
	fast := b.Subscribe(TopicStatus)
	defer slow.Cancel()
	defer fast.Cancel()

	b.Publish(TopicStatus, "a")
	<-fast.C
	b.Publish(TopicStatus, "b")

	// fast drained between publishes, slow did not.
	if got := fast.Dropped(TopicStatus); got != 0 {
		t.Errorf("fast dropped %d, want 0", got)
	}
	if got := slow.Dropped(TopicStatus); got != 1 {
		t.Errorf("slow dropped %d, want 1", got)
	}
}

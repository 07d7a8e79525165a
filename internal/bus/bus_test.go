package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("extension.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicExtensionInstalled, LifecycleEvent{Identifier: "blog", Version: "1.2.0"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicExtensionInstalled {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicExtensionInstalled)
		}
		payload, ok := event.Payload.(LifecycleEvent)
		if !ok || payload.Identifier != "blog" {
			t.Fatalf("payload = %#v", event.Payload)
		}
		if event.Time.IsZero() {
			t.Fatal("expected publish time to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	restartSub := b.Subscribe("restart.")
	defer b.Unsubscribe(restartSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicRestartScheduled, RestartEvent{Requests: 1})
	b.Publish(TopicExtensionEnabled, LifecycleEvent{Identifier: "blog"})

	select {
	case event := <-restartSub.Ch():
		if event.Topic != TopicRestartScheduled {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicRestartScheduled)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for restart event")
	}
	select {
	case event := <-restartSub.Ch():
		t.Fatalf("unexpected event on restart subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d on wildcard subscription", i)
		}
	}
}

func TestBus_DropsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicExtensionUpgraded, i)
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Fatalf("buffered %d events, expected %d", got, defaultBufferSize)
	}
	if got := sub.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}

func TestBus_MultiplePrefixesAndSequence(t *testing.T) {
	b := New()
	sub := b.Subscribe("lock.", "restart.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicLockConflict, LockConflictEvent{Identifier: "blog"})
	b.Publish(TopicExtensionInstalled, LifecycleEvent{Identifier: "blog"})
	b.Publish(TopicRestartExecuted, RestartEvent{Requests: 2})

	first := <-sub.Ch()
	second := <-sub.Ch()
	if first.Topic != TopicLockConflict || second.Topic != TopicRestartExecuted {
		t.Fatalf("topics = %q, %q", first.Topic, second.Topic)
	}
	if first.Seq != 1 || second.Seq != 3 {
		t.Fatalf("seq = %d, %d; want 1, 3 (gap for the filtered event)", first.Seq, second.Seq)
	}
	if len(sub.Ch()) != 0 {
		t.Fatalf("unexpected extra events: %d", len(sub.Ch()))
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("extension.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicExtensionFailed, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicLockConflict, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}

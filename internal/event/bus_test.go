package event

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := NewBus[int]()
	a := b.Subscribe()
	c := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("Count: got %d, want 2", b.Count())
	}

	b.Publish(7)

	for i, ch := range []<-chan int{a, c} {
		select {
		case v := <-ch:
			if v != 7 {
				t.Errorf("subscriber %d: got %d, want 7", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus[int]()
	slow := b.SubscribeBuffered(1)

	done := make(chan struct{})
	go func() {
		for i := range 100 {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if v := <-slow; v != 0 {
		t.Errorf("first buffered event: got %d, want 0", v)
	}
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	b := NewBus[string]()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if b.Count() != 0 {
		t.Errorf("Count after Unsubscribe: got %d", b.Count())
	}

	other := b.Subscribe()
	b.Close()
	if _, ok := <-other; ok {
		t.Error("channel should be closed after Close")
	}

	late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
	b.Publish("ignored")
}

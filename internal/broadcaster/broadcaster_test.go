package broadcaster

import (
	"testing"
	"time"
)

func TestEmitDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.Emit("workflow.created", "wf-1")

	select {
	case ev := <-ch:
		if ev.Name != "workflow.created" || ev.Payload != "wf-1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event to be delivered")
	}
}

func TestEmitFansOutToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Emit("step.completed", 42)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Payload != 42 {
				t.Errorf("expected payload 42, got %v", ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("expected event delivered to every subscriber")
		}
	}
}

func TestEmitDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	b.Emit("a", 1)
	b.Emit("b", 2) // buffer full; must not block

	ev := <-ch
	if ev.Payload != 1 {
		t.Errorf("expected first event preserved, got %v", ev.Payload)
	}
	select {
	case ev2 := <-ch:
		t.Errorf("expected second event to have been dropped, got %+v", ev2)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(1)
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestEmitWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Emit("noop", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked with no subscribers")
	}
}

func TestSubscribeDefaultsBufferSize(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(0)
	defer unsubscribe()
	if cap(ch) != 32 {
		t.Errorf("expected default buffer size 32, got %d", cap(ch))
	}
}

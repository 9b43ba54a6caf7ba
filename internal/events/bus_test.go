package events

import (
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe(EventPriceTick, 4)
	ch2, unsub2 := bus.Subscribe(EventPriceTick, 4)
	defer unsub1()
	defer unsub2()

	tick := Tick{Symbol: "BTCUSDT", Price: 50000}
	bus.Publish(EventPriceTick, tick)

	for i, ch := range []<-chan any{ch1, ch2} {
		select {
		case got := <-ch:
			if got.(Tick).Symbol != "BTCUSDT" {
				t.Fatalf("subscriber %d got %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive the tick", i)
		}
	}
}

func TestPublishOnlyReachesTheTopic(t *testing.T) {
	bus := NewBus()
	ticks, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	bus.Publish(EventOrderFilled, "order")
	select {
	case v := <-ticks:
		t.Fatalf("tick subscriber received %v from another topic", v)
	default:
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Must not block even though the buffer holds one message.
		bus.Publish(EventPriceTick, 1)
		bus.Publish(EventPriceTick, 2)
		bus.Publish(EventPriceTick, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := <-ch; got.(int) != 1 {
		t.Fatalf("got %v, expected the first message kept", got)
	}
}

func TestUnsubscribeClosesTheChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventRiskAlert, 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(EventRiskAlert, "alert")
}

func TestSubscribersTracksRegistrations(t *testing.T) {
	bus := NewBus()
	if n := bus.Subscribers(EventPriceTick); n != 0 {
		t.Fatalf("fresh bus subscribers=%d", n)
	}

	_, unsub1 := bus.Subscribe(EventPriceTick, 1)
	_, unsub2 := bus.Subscribe(EventPriceTick, 1)
	_, unsubOther := bus.Subscribe(EventOrderFilled, 1)
	defer unsubOther()

	if n := bus.Subscribers(EventPriceTick); n != 2 {
		t.Fatalf("subscribers=%d, expected 2", n)
	}
	if n := bus.Subscribers(EventOrderFilled); n != 1 {
		t.Fatalf("order subscribers=%d, expected 1", n)
	}

	unsub1()
	unsub2()
	if n := bus.Subscribers(EventPriceTick); n != 0 {
		t.Fatalf("subscribers=%d after unsubscribe, expected 0", n)
	}
}

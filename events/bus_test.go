package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBusFansOutToEverySubscriber(t *testing.T) {
	b := New()

	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	ev := Event{Kind: TransferActive, TransferID: uuid.New(), At: time.Now()}
	b.Publish(ev)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Kind != TransferActive || got.TransferID != ev.TransferID {
				t.Fatalf("got %+v, want %+v", got, ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe() // never drained
	defer unsub()

	for i := 0; i < subscriberCap+10; i++ {
		b.Publish(Event{Kind: FileProgress, TransferID: uuid.New()})
	}
	// No assertion beyond "did not block or panic": Publish must not
	// stall when a subscriber stops reading.
}

package osdp

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTopicPublishSubscribe(t *testing.T) {
	topic := NewTopic[int](4)
	ch, unsubscribe := topic.Subscribe()
	defer unsubscribe()

	topic.Publish(1)
	topic.Publish(2)

	if got := <-ch; got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := <-ch; got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestTopicDropsOldestOnFullBuffer(t *testing.T) {
	topic := NewTopic[int](2)
	ch, unsubscribe := topic.Subscribe()
	defer unsubscribe()

	topic.Publish(1)
	topic.Publish(2)
	topic.Publish(3) // buffer full, oldest (1) evicted

	if got := <-ch; got != 2 {
		t.Fatalf("got %d, want 2 (1 should have been evicted)", got)
	}
	if got := <-ch; got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
	if topic.DroppedCount() != 1 {
		t.Fatalf("expected DroppedCount 1, got %d", topic.DroppedCount())
	}
}

func TestTopicUnsubscribeStopsDelivery(t *testing.T) {
	topic := NewTopic[int](4)
	ch, unsubscribe := topic.Subscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if topic.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", topic.SubscriberCount())
	}
}

func TestTopicPublishBridgesDropsToMetrics(t *testing.T) {
	topic := NewTopic[int](2)
	m := NewMetrics()
	topic.SetMetrics(m, "pin_digits")
	ch, unsubscribe := topic.Subscribe()
	defer unsubscribe()

	topic.Publish(1)
	topic.Publish(2)
	topic.Publish(3) // buffer full, oldest evicted and counted

	if got := testutil.ToFloat64(m.DroppedEvents.WithLabelValues("pin_digits")); got != 1 {
		t.Fatalf("expected 1 observed drop, got %v", got)
	}
	<-ch
	<-ch
}

func TestEventRouterFansOutIndependentTopics(t *testing.T) {
	router := NewEventRouter(4)
	cardCh, unsubCard := router.CardReads.Subscribe()
	defer unsubCard()
	statusCh, unsubStatus := router.Status.Subscribe()
	defer unsubStatus()

	router.CardReads.Publish(CardReadEvent{ReaderID: "r1", CardNumber: "123"})
	router.Status.Publish(StatusChanged{DeviceID: "r1", Online: true})

	card := <-cardCh
	if card.CardNumber != "123" {
		t.Fatalf("unexpected card event: %+v", card)
	}
	status := <-statusCh
	if !status.Online {
		t.Fatalf("unexpected status event: %+v", status)
	}
}

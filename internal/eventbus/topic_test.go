package eventbus_test

import (
	"testing"

	"github.com/wolfstream/host/internal/eventbus"
)

func TestPublishTypedRoundTrips(t *testing.T) {
	bus := eventbus.New()

	var got eventbus.StopStreamEvent
	eventbus.SubscribeTyped(bus, eventbus.Topics.StopStream, func(ev eventbus.StopStreamEvent) {
		got = ev
	})

	eventbus.PublishTyped(bus, eventbus.Topics.StopStream, eventbus.SourceRegistry, eventbus.StopStreamEvent{
		SessionID: 42,
		Reason:    "client disconnected",
	})

	if got.SessionID != 42 || got.Reason != "client disconnected" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSubscribeTypedIgnoresMismatchedPayload(t *testing.T) {
	bus := eventbus.New()

	called := false
	eventbus.SubscribeTyped(bus, eventbus.Topics.StopStream, func(eventbus.StopStreamEvent) {
		called = true
	})

	// Publishing the wrong payload type on the same topic should not panic
	// the typed handler; it should simply be skipped.
	bus.Publish(eventbus.Envelope{Topic: eventbus.TopicStopStream, Payload: "not-a-stop-event"})

	if called {
		t.Fatal("expected typed handler to skip a mismatched payload")
	}
}

func TestPublishTypedOnNilBusIsNoop(t *testing.T) {
	var bus *eventbus.Bus
	eventbus.PublishTyped(bus, eventbus.Topics.StopStream, eventbus.SourceRegistry, eventbus.StopStreamEvent{})
}

package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fernbed/drip/internal/events"
)

func TestWebsocket_PushesDeviceEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Give the server side a moment to register its bus subscription.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket handler never subscribed to the bus")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStore,
		Kind:      events.KindDeviceUpdated,
		Data:      map[string]any{"device_id": int64(7)},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsEvent
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Kind != events.KindDeviceUpdated {
		t.Errorf("frame kind = %q, want %q", frame.Kind, events.KindDeviceUpdated)
	}
}

func TestWebsocket_FiltersInternalEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket handler never subscribed to the bus")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Watch lifecycle events are internal; only a following device
	// update should come through.
	env.bus.Publish(events.Event{Kind: events.KindWatchStarted, Source: events.SourceView})
	env.bus.Publish(events.Event{Kind: events.KindDeviceUpdated, Source: events.SourceStore})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsEvent
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Kind != events.KindDeviceUpdated {
		t.Errorf("first delivered frame = %q, want %q", frame.Kind, events.KindDeviceUpdated)
	}
}

package session

import (
	"testing"

	"github.com/parley-im/roomsync/pubsub"
)

func TestOutboxReplacesOldestOfSameTypeWhenFull(t *testing.T) {
	s := &Session{notifier: pubsub.NewPubSub(1)}
	s.mu.Lock()
	for i := 0; i < maxQueuedNotifications; i++ {
		s.publish(&pubsub.TimelineChanged{RoomID: "r1", Len: i})
	}
	s.publish(&pubsub.ViewChanged{RoomID: "r1", View: "ready"})
	s.publish(&pubsub.TimelineChanged{RoomID: "r1", Len: 1000})
	s.publish(&pubsub.ViewChanged{RoomID: "r1", View: "none"})
	outbox := s.outbox
	s.mu.Unlock()

	if len(outbox) != maxQueuedNotifications+1 {
		t.Fatalf("outbox has %d payloads, want %d", len(outbox), maxQueuedNotifications+1)
	}
	if tc := outbox[0].(*pubsub.TimelineChanged); tc.Len != 1 {
		t.Errorf("oldest timeline change was kept: first payload has len %d", tc.Len)
	}
	if tc, ok := outbox[len(outbox)-2].(*pubsub.TimelineChanged); !ok || tc.Len != 1000 {
		t.Errorf("latest timeline change missing, got %+v", outbox[len(outbox)-2])
	}
	if v, ok := outbox[len(outbox)-1].(*pubsub.ViewChanged); !ok || v.View != "none" {
		t.Errorf("latest view change missing, got %+v", outbox[len(outbox)-1])
	}
	for _, p := range outbox {
		if v, ok := p.(*pubsub.ViewChanged); ok && v.View == "ready" {
			t.Errorf("superseded view change was kept")
		}
	}
}

func TestOutboxWithoutNotifier(t *testing.T) {
	s := &Session{}
	s.mu.Lock()
	s.publish(&pubsub.ViewChanged{RoomID: "r1", View: "ready"})
	n := len(s.outbox)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("queued %d payloads with no notifier", n)
	}
	// must not block
	s.flush()
}

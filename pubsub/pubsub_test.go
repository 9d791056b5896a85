package pubsub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingListener struct {
	mu       sync.Mutex
	payloads []Payload
	done     chan struct{}
	want     int
}

func (r *recordingListener) record(p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	if len(r.payloads) == r.want {
		close(r.done)
	}
}

func (r *recordingListener) OnTimelineChanged(p *TimelineChanged)         { r.record(p) }
func (r *recordingListener) OnChannelStateChanged(p *ChannelStateChanged) { r.record(p) }
func (r *recordingListener) OnMembershipChanged(p *MembershipChanged)     { r.record(p) }
func (r *recordingListener) OnViewChanged(p *ViewChanged)                 { r.record(p) }
func (r *recordingListener) OnRoomChanged(p *RoomChanged)                 { r.record(p) }
func (r *recordingListener) OnSendUnconfirmed(p *SendUnconfirmed)         { r.record(p) }

func TestSessionSubDispatch(t *testing.T) {
	ps := NewPubSub(10)
	sent := []Payload{
		&ViewChanged{RoomID: "r1", View: "loading"},
		&ChannelStateChanged{RoomID: "r1", State: "joined"},
		&TimelineChanged{RoomID: "r1", Len: 3},
		&MembershipChanged{RoomID: "r1", IsMember: true},
		&RoomChanged{RoomID: "r1", Title: "General"},
		&SendUnconfirmed{RoomID: "r1", ItemID: "local-1"},
	}
	recv := &recordingListener{done: make(chan struct{}), want: len(sent)}
	sub := NewSessionSub(ps, recv)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- sub.Listen()
	}()
	for _, p := range sent {
		if err := ps.Notify(ChanSession, p); err != nil {
			t.Fatalf("Notify: %s", err)
		}
	}
	select {
	case <-recv.done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for payloads")
	}
	recv.mu.Lock()
	for i := range sent {
		if recv.payloads[i] != sent[i] {
			t.Errorf("payload %d: got %+v want %+v", i, recv.payloads[i], sent[i])
		}
	}
	recv.mu.Unlock()

	sub.Teardown()
	select {
	case err := <-listenErr:
		if err != nil {
			t.Errorf("Listen returned %s", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Listen did not return after Teardown")
	}
}

func TestNotifyAfterClose(t *testing.T) {
	ps := NewPubSub(1)
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if err := ps.Notify(ChanSession, &TimelineChanged{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Notify after Close: got %v want ErrClosed", err)
	}
	if err := ps.Listen(ChanSession, func(p Payload) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Listen after Close: got %v want ErrClosed", err)
	}
	// idempotent
	if err := ps.Close(); err != nil {
		t.Errorf("second Close: %s", err)
	}
}

func TestPromNotifierCountsPayloads(t *testing.T) {
	reg := prometheus.NewRegistry()
	n, err := NewPromNotifier(NewPubSub(10), "session", reg)
	if err != nil {
		t.Fatalf("NewPromNotifier: %s", err)
	}
	n.Notify(ChanSession, &TimelineChanged{})
	n.Notify(ChanSession, &TimelineChanged{})
	n.Notify(ChanSession, &ViewChanged{})
	if got := testutil.ToFloat64(n.msgCounter.WithLabelValues("t")); got != 2 {
		t.Errorf("timeline payloads: got %v want 2", got)
	}
	if got := testutil.ToFloat64(n.msgCounter.WithLabelValues("v")); got != 1 {
		t.Errorf("view payloads: got %v want 1", got)
	}
	// registering twice on the same registry fails
	if _, err := NewPromNotifier(NewPubSub(1), "session", reg); err == nil {
		t.Errorf("NewPromNotifier: want duplicate registration error")
	}
	if err := n.Close(); err != nil {
		t.Errorf("Close: %s", err)
	}
}

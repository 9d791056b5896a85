package live

import (
	"context"
	"testing"
	"time"

	"github.com/parley-im/roomsync/testutils"
)

func TestWSDialerAgainstServer(t *testing.T) {
	srv := testutils.NewChatServer(t)
	srv.AddUser("@alice", "alice")
	srv.AddRoom(testutils.FakeRoom{ID: "r1", Members: map[string]bool{"@alice": true}})

	ch := NewChannel(&WSDialer{URL: srv.WSURL(), AccessToken: "@alice"}, time.Second)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(ch.Close)
	join := srv.WaitForFrame(t, FrameJoin)
	if join.Get("chat_id").Str != "r1" {
		t.Fatalf("join frame: got %s", join.Raw)
	}

	srv.Broadcast("r1", testutils.NewMessageFrame(t, "", "@bob", "bob", "hi alice", testutils.Timestamp(1)))
	ev := h.waitForEvent(t)
	if ev.RoomID != "r1" || ev.Raw.Get("content").Str != "hi alice" {
		t.Errorf("broadcast: got %+v", ev)
	}

	frame, err := MessageFrame("r1", "@alice", "hi bob", time.Now(), "local-1")
	if err != nil {
		t.Fatalf("MessageFrame: %s", err)
	}
	if err := ch.Send(frame); err != nil {
		t.Fatalf("Send: %s", err)
	}
	got := srv.WaitForFrame(t, FrameMessage)
	if got.Get("content").Str != "hi bob" || got.Get("txn_id").Str != "local-1" {
		t.Errorf("server received: %s", got.Raw)
	}
	echo := h.waitForEvent(t)
	if echo.TxnID != "local-1" || echo.Raw.Get("username").Str != "alice" {
		t.Errorf("echo: got %s", echo.Raw.Raw)
	}

	srv.DropConnections()
	h.waitForState(t, Connecting)
	h.waitForState(t, Joined)
	h.waitForState(t, Errored)
}

package live

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	// if set, writes wait for it to be closed, like a socket whose peer stopped reading
	stall    chan struct{}
	writing  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 10),
		closed:  make(chan struct{}),
		readErr: io.EOF,
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, c.readErr
	}
}

func (c *fakeConn) WriteFrame(data []byte, deadline time.Time) error {
	c.mu.Lock()
	stall, writing := c.stall, c.writing
	c.mu.Unlock()
	if stall != nil {
		select {
		case writing <- struct{}{}:
		default:
		}
		<-stall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writtenTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, w := range c.written {
		types = append(types, gjson.GetBytes(w, "type").Str)
	}
	return types
}

// fakeDialer hands out conns in order. If block is set, Dial waits for it (or ctx) first.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	block chan struct{}
	dials []string
}

func (d *fakeDialer) Dial(ctx context.Context, roomID string) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, roomID)
	block := d.block
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type stateChange struct {
	roomID string
	state  State
	err    error
}

type recordingHandler struct {
	events chan Event
	states chan stateChange
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		events: make(chan Event, 20),
		states: make(chan stateChange, 20),
	}
}

func (h *recordingHandler) OnEvent(ev Event) { h.events <- ev }
func (h *recordingHandler) OnStateChange(roomID string, state State, err error) {
	h.states <- stateChange{roomID, state, err}
}

func (h *recordingHandler) waitForState(t *testing.T, want State) stateChange {
	t.Helper()
	select {
	case sc := <-h.states:
		if sc.state != want {
			t.Fatalf("state change: got %v want %v", sc.state, want)
		}
		return sc
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for state %v", want)
	}
	return stateChange{}
}

func (h *recordingHandler) waitForEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func (h *recordingHandler) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelOpenJoinsRoom(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("Open: %s", err)
	}
	h.waitForState(t, Connecting)
	sc := h.waitForState(t, Joined)
	if sc.roomID != "r1" {
		t.Errorf("Joined for room %q want r1", sc.roomID)
	}
	if ch.State() != Joined || ch.RoomID() != "r1" {
		t.Errorf("got state=%v room=%q", ch.State(), ch.RoomID())
	}
	if got := dialer.conn(0).writtenTypes(); len(got) != 1 || got[0] != FrameJoin {
		t.Errorf("written frames: got %v want [join]", got)
	}
	if err := ch.Open(context.Background(), "r2", h); !errors.Is(err, ErrChannelBusy) {
		t.Errorf("Open while joined: got %v want ErrChannelBusy", err)
	}
}

func TestChannelCloseSendsLeave(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("Open: %s", err)
	}
	ch.Close()
	if ch.RoomID() != "" {
		t.Errorf("after Close: got room=%q", ch.RoomID())
	}
	conn := dialer.conn(0)
	waitUntil(t, "connection closed", conn.isClosed)
	waitUntil(t, "channel idle", func() bool { return ch.State() == Idle })
	if got := conn.writtenTypes(); len(got) != 2 || got[1] != FrameLeave {
		t.Errorf("written frames: got %v want [join leave]", got)
	}
	// closing the connection must not be reported as a failure
	h.waitForState(t, Connecting)
	h.waitForState(t, Joined)
	select {
	case sc := <-h.states:
		t.Fatalf("unexpected state change after Close: %+v", sc)
	case <-time.After(50 * time.Millisecond):
	}
	// idempotent
	ch.Close()
}

func TestChannelStalledSocketDoesNotBlock(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, time.Minute)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("Open: %s", err)
	}
	stalled := dialer.conn(0)
	release := make(chan struct{})
	writing := make(chan struct{}, 1)
	stalled.mu.Lock()
	stalled.stall = release
	stalled.writing = writing
	stalled.mu.Unlock()

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- ch.Send([]byte(`{"type":"message"}`))
	}()
	<-writing
	// the stuck write must not hold the channel lock
	within(t, "State during a stalled Send", func() {
		if ch.State() != Joined {
			t.Errorf("state: got %v want joined", ch.State())
		}
	})
	within(t, "Close during a stalled Send", ch.Close)
	if ch.State() != Leaving {
		t.Errorf("state after Close: got %v want leaving", ch.State())
	}
	// the next room can be opened while the old connection is still leaving
	h2 := newRecordingHandler()
	if err := ch.Open(context.Background(), "r2", h2); err != nil {
		t.Fatalf("Open r2: %s", err)
	}

	close(release)
	if err := <-sendDone; err != nil {
		t.Errorf("Send: %s", err)
	}
	waitUntil(t, "old connection closed", stalled.isClosed)
	if ch.State() != Joined || ch.RoomID() != "r2" {
		t.Errorf("finishing the old leave clobbered the new room: state=%v room=%q", ch.State(), ch.RoomID())
	}
}

func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s blocked", what)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChannelCloseDuringDial(t *testing.T) {
	dialer := &fakeDialer{block: make(chan struct{})}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Open(context.Background(), "r1", h)
	}()
	h.waitForState(t, Connecting)
	ch.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Open: got %v want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Open did not return after Close")
	}
	if ch.State() != Idle {
		t.Errorf("state: got %v want idle", ch.State())
	}
	// the aborted Open must not report Joined or Errored
	select {
	case sc := <-h.states:
		t.Fatalf("unexpected state change: %+v", sc)
	default:
	}
}

func TestChannelLateDialIsDiscarded(t *testing.T) {
	// Dial ignores cancellation and completes after Close, handing back a live connection.
	block := make(chan struct{})
	dialer := &stubbornDialer{release: block, conn: newFakeConn()}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Open(context.Background(), "r1", h)
	}()
	h.waitForState(t, Connecting)
	ch.Close()
	close(block)
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("Open: got %v want ErrClosed", err)
	}
	if !dialer.conn.isClosed() {
		t.Errorf("late connection was not closed")
	}
	if len(dialer.conn.writtenTypes()) != 0 {
		t.Errorf("late connection was used: %v", dialer.conn.writtenTypes())
	}
}

type stubbornDialer struct {
	release chan struct{}
	conn    *fakeConn
}

func (d *stubbornDialer) Dial(ctx context.Context, roomID string) (Conn, error) {
	<-d.release
	return d.conn, nil
}

func TestChannelDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err == nil {
		t.Fatalf("Open: want error")
	}
	h.waitForState(t, Connecting)
	sc := h.waitForState(t, Errored)
	if sc.err == nil {
		t.Errorf("Errored without an error")
	}
	if ch.State() != Errored {
		t.Errorf("state: got %v want errored", ch.State())
	}
	// Errored channels can be reopened
	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("reopen: %s", err)
	}
	if ch.State() != Joined {
		t.Errorf("state after reopen: got %v want joined", ch.State())
	}
}

func TestChannelOpenWithCancelledContext(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ch.Open(ctx, "r1", h); !errors.Is(err, context.Canceled) {
		t.Fatalf("Open: got %v want context.Canceled", err)
	}
	if ch.State() != Idle {
		t.Errorf("state: got %v want idle", ch.State())
	}
	dialer.mu.Lock()
	dials := len(dialer.dials)
	dialer.mu.Unlock()
	if dials != 0 {
		t.Errorf("dialled %d times, want 0", dials)
	}
	select {
	case sc := <-h.states:
		t.Errorf("unexpected state change %+v", sc)
	default:
	}
}

func TestChannelJoinWriteFailure(t *testing.T) {
	ch := NewChannel(&failingWriteDialer{}, 0)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err == nil {
		t.Fatalf("Open: want error")
	}
	if ch.State() != Errored {
		t.Errorf("state: got %v want errored", ch.State())
	}
}

type failingWriteDialer struct{}

func (d *failingWriteDialer) Dial(ctx context.Context, roomID string) (Conn, error) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	return conn, nil
}

func TestChannelConnectionLost(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("Open: %s", err)
	}
	h.waitForState(t, Connecting)
	h.waitForState(t, Joined)
	dialer.conn(0).Close()
	sc := h.waitForState(t, Errored)
	if sc.roomID != "r1" || sc.err == nil {
		t.Errorf("Errored: got %+v", sc)
	}
	if ch.State() != Errored {
		t.Errorf("state: got %v want errored", ch.State())
	}
	if err := ch.Send([]byte(`{}`)); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Send while errored: got %v want ErrNotJoined", err)
	}
	ch.Close()
	if ch.State() != Idle {
		t.Errorf("state after Close: got %v want idle", ch.State())
	}
}

func TestChannelDeliversFrames(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("Open: %s", err)
	}
	conn := dialer.conn(0)
	conn.inbound <- []byte(`{"type":"message","message_id":"m1","content":"no chat id"}`)
	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"type":"event","chat_id":"r1","event_id":"e1","event_type":"joined"}`)
	conn.inbound <- []byte(`{"type":"message","chat_id":"r1","message_id":"m2","txn_id":"local-1"}`)

	ev := h.waitForEvent(t)
	if ev.RoomID != "r1" || ev.Type != FrameMessage || ev.Raw.Get("message_id").Str != "m1" {
		t.Errorf("first event: got %+v", ev)
	}
	ev = h.waitForEvent(t)
	if ev.Type != FrameEvent || ev.Raw.Get("event_id").Str != "e1" {
		t.Errorf("second event: got %+v", ev)
	}
	ev = h.waitForEvent(t)
	if ev.TxnID != "local-1" {
		t.Errorf("third event: txn_id got %q want local-1", ev.TxnID)
	}
}

func TestChannelDropsFramesAfterClose(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 0)
	h := newRecordingHandler()
	if err := ch.Open(context.Background(), "r1", h); err != nil {
		t.Fatalf("Open: %s", err)
	}
	old := dialer.conn(0)
	ch.Close()
	h2 := newRecordingHandler()
	if err := ch.Open(context.Background(), "r2", h2); err != nil {
		t.Fatalf("Open r2: %s", err)
	}
	// a frame buffered on the old connection must never reach either handler
	old.inbound <- []byte(`{"type":"message","message_id":"stale"}`)
	h.assertNoEvent(t)
	h2.assertNoEvent(t)

	dialer.conn(1).inbound <- []byte(`{"type":"message","message_id":"fresh"}`)
	ev := h2.waitForEvent(t)
	if ev.RoomID != "r2" || ev.Raw.Get("message_id").Str != "fresh" {
		t.Errorf("got %+v", ev)
	}
}

func TestChannelSend(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 0)
	if err := ch.Send([]byte(`{}`)); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Send while idle: got %v want ErrNotJoined", err)
	}
	if err := ch.Open(context.Background(), "r1", newRecordingHandler()); err != nil {
		t.Fatalf("Open: %s", err)
	}
	frame, err := MessageFrame("r1", "@alice", "hello", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), "local-1")
	if err != nil {
		t.Fatalf("MessageFrame: %s", err)
	}
	if err := ch.Send(frame); err != nil {
		t.Fatalf("Send: %s", err)
	}
	got := dialer.conn(0).writtenTypes()
	if len(got) != 2 || got[1] != FrameMessage {
		t.Errorf("written: got %v want [join message]", got)
	}
}

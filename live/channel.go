package live

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	ErrChannelBusy = errors.New("live: channel is already open")
	ErrNotJoined   = errors.New("live: channel is not joined")
	// ErrClosed is returned from Open when Close was called before the dial completed.
	ErrClosed = errors.New("live: channel closed while connecting")
)

const DefaultWriteTimeout = 5 * time.Second

// Handler receives everything a Channel observes. Callbacks are never invoked with the channel
// lock held, so they may call back into the Channel.
type Handler interface {
	OnEvent(ev Event)
	// OnStateChange is called for transitions caused by Open and by the connection failing. It is
	// not called for Close: the caller of Close already knows.
	OnStateChange(roomID string, state State, err error)
}

// Channel is a subscription to the live events of one room at a time. It dials a fresh connection
// for every Open, so a connection never carries frames for more than one room.
type Channel struct {
	dialer       Dialer
	writeTimeout time.Duration

	mu     sync.Mutex
	state  State
	roomID string
	conn   Conn
	cancel context.CancelFunc
	// bumped on every Open and Close. Readers and dials holding an older epoch are stale.
	epoch uint64
}

func NewChannel(dialer Dialer, writeTimeout time.Duration) *Channel {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Channel{
		dialer:       dialer,
		writeTimeout: writeTimeout,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID returns the room the channel is open for, or "" when Idle.
func (c *Channel) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Open connects and joins roomID. Blocks until Joined or failed. Valid from Idle, Errored or Leaving:
// a channel which is still announcing a leave can already be opened for the next room. Cancelling
// ctx aborts the dial.
func (c *Channel) Open(ctx context.Context, roomID string, h Handler) error {
	c.mu.Lock()
	if c.state != Idle && c.state != Errored && c.state != Leaving {
		c.mu.Unlock()
		return ErrChannelBusy
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.epoch++
	epoch := c.epoch
	dialCtx, cancel := context.WithCancel(ctx)
	c.state = Connecting
	c.roomID = roomID
	c.cancel = cancel
	c.mu.Unlock()
	h.OnStateChange(roomID, Connecting, nil)

	conn, err := c.dialer.Dial(dialCtx, roomID)
	if err == nil {
		if !c.isCurrent(epoch) {
			return c.discard(roomID, conn, cancel)
		}
		// written without the lock: a stalled socket must not block State() or Close()
		err = conn.WriteFrame(JoinFrame(roomID), time.Now().Add(c.writeTimeout))
		if err != nil {
			conn.Close()
			conn = nil
			err = fmt.Errorf("failed to send join: %w", err)
		}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.discard(roomID, conn, cancel)
	}
	if err != nil {
		c.state = Errored
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		logger.Warn().Err(err).Str("room", roomID).Msg("live channel failed to connect")
		h.OnStateChange(roomID, Errored, err)
		return err
	}
	c.conn = conn
	c.state = Joined
	c.mu.Unlock()
	h.OnStateChange(roomID, Joined, nil)

	go c.readLoop(epoch, roomID, conn, h)
	return nil
}

// discard drops a connection whose Open was overtaken by Close.
func (c *Channel) discard(roomID string, conn Conn, cancel context.CancelFunc) error {
	cancel()
	if conn != nil {
		conn.Close()
	}
	logger.Debug().Str("room", roomID).Msg("dial completed after close, discarding connection")
	return ErrClosed
}

// Close leaves the room and tears down the connection. Closing while Connecting aborts the dial and
// returns the channel to Idle. Closing while Joined moves to Leaving: the leave announcement is
// written in the background, after which the channel is Idle. Close never blocks on the socket, and
// does not wait for the reader goroutine to exit.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.epoch++
	epoch := c.epoch
	conn := c.conn
	roomID := c.roomID
	c.roomID = ""
	c.conn = nil
	c.cancel = nil
	if conn == nil {
		c.state = Idle
		c.mu.Unlock()
		return
	}
	c.state = Leaving
	c.mu.Unlock()
	go c.finishLeave(epoch, roomID, conn)
}

// finishLeave announces the leave on a detached connection and closes it.
func (c *Channel) finishLeave(epoch uint64, roomID string, conn Conn) {
	err := conn.WriteFrame(LeaveFrame(roomID), time.Now().Add(c.writeTimeout))
	if err != nil {
		logger.Debug().Err(err).Str("room", roomID).Msg("failed to send leave, closing anyway")
	}
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	// unless the channel was reopened meanwhile
	if c.epoch == epoch {
		c.state = Idle
	}
}

// Send writes a frame on the joined connection.
func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	if c.state != Joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	conn := c.conn
	c.mu.Unlock()
	return conn.WriteFrame(frame, time.Now().Add(c.writeTimeout))
}

func (c *Channel) isCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Channel) readLoop(epoch uint64, roomID string, conn Conn, h Handler) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			c.mu.Lock()
			if c.epoch != epoch {
				// closed on purpose
				c.mu.Unlock()
				return
			}
			c.state = Errored
			c.conn = nil
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
			c.mu.Unlock()
			conn.Close()
			logger.Warn().Err(err).Str("room", roomID).Msg("live channel connection lost")
			h.OnStateChange(roomID, Errored, err)
			return
		}
		ev, err := decodeFrame(data, roomID)
		if err != nil {
			logger.Warn().Err(err).Str("room", roomID).Int("len", len(data)).Msg("dropping malformed frame")
			continue
		}
		if !c.isCurrent(epoch) {
			return
		}
		h.OnEvent(ev)
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/parley-im/roomsync/chatapi"
	"github.com/parley-im/roomsync/history"
	"github.com/parley-im/roomsync/internal"
	"github.com/parley-im/roomsync/live"
	"github.com/parley-im/roomsync/membership"
	"github.com/parley-im/roomsync/pubsub"
	"github.com/parley-im/roomsync/timeline"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrSuperseded is returned from operations whose room was left or switched while they were in flight.
// Nothing from such an operation is applied.
var ErrSuperseded = errors.New("session: room changed while the operation was in flight")

const (
	DefaultEchoWait      = 10 * time.Second
	DefaultEchoTolerance = 5 * time.Second
)

// Once this many notifications are waiting for listeners, a new notification replaces the oldest
// queued one of the same type.
const maxQueuedNotifications = 64

type Config struct {
	// The user this session acts as. May be changed later with SetUser.
	UserID string
	// How long an optimistic message waits for its server echo before becoming Unconfirmed.
	EchoWait time.Duration
	// Maximum difference between the created_at of an optimistic message and its echo for them to
	// be matched by content.
	EchoTolerance time.Duration
	// Passed to the history loader and membership tracker. Zero means their defaults.
	HistoryLimit       int
	MembershipPageSize int
	// Write deadline for live channel frames.
	WriteTimeout time.Duration
	// If set, session metrics are registered here.
	Registerer prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.EchoWait <= 0 {
		c.EchoWait = DefaultEchoWait
	}
	if c.EchoTolerance <= 0 {
		c.EchoTolerance = DefaultEchoTolerance
	}
}

// pendingSend is an optimistic message waiting for its echo.
type pendingSend struct {
	provisionalID string
	userID        string
	content       string
	createdAt     time.Time
	epoch         int64
}

// Session is the conversation view of one room at a time: it merges history with live events into a
// single timeline, tracks membership and sends messages optimistically.
//
// All state is guarded by mu. Work which completes asynchronously (history, membership, live frames,
// echo expiry) is stamped with the room epoch it was started for, and discarded if the room has
// changed since.
type Session struct {
	cfg      Config
	client   chatapi.Client
	loader   *history.Loader
	tracker  *membership.Tracker
	channel  *live.Channel
	notifier pubsub.Notifier
	metrics  *metrics
	pending  *ttlcache.Cache[string, *pendingSend]

	mu     sync.Mutex
	userID string
	roomID string
	epoch  int64
	// cancels in-flight work for the current room
	roomCancel context.CancelFunc
	// cancels the live channel dial only, used when history fails
	dialCancel context.CancelFunc
	// fetches started by the latest EnterRoom
	roomTasks      *errgroup.Group
	store          *timeline.Store
	historyApplied bool
	// live events which arrived before history was applied
	buffered     []live.Event
	pendingOrder []string
	unconfirmed  []string
	isMember     bool
	// bumped by every membership check, only the latest one is applied
	memberSeq int64
	view         View
	room         *chatapi.Room
	patchSeq     int64

	// notifications queued while mu is held, delivered in order by sendNotifications
	outbox    []pubsub.Payload
	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// New makes a session. notifier may be nil, in which case no change notifications are sent.
func New(cfg Config, client chatapi.Client, dialer live.Dialer, notifier pubsub.Notifier) (*Session, error) {
	cfg.setDefaults()
	s := &Session{
		cfg:      cfg,
		client:   client,
		loader:   history.NewLoader(client, cfg.HistoryLimit),
		tracker:  membership.NewTracker(client, cfg.MembershipPageSize),
		channel:  live.NewChannel(dialer, cfg.WriteTimeout),
		notifier: notifier,
		metrics:  newMetrics(),
		userID:   cfg.UserID,
		store:    timeline.NewStore(),
		pending: ttlcache.New[string, *pendingSend](
			ttlcache.WithTTL[string, *pendingSend](cfg.EchoWait),
			ttlcache.WithDisableTouchOnHit[string, *pendingSend](),
		),
	}
	if cfg.Registerer != nil {
		if err := s.metrics.register(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("failed to register session metrics: %w", err)
		}
	}
	s.pending.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pendingSend]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// the cache may hold its own lock while calling us, and we take mu before touching the cache
		go s.onPendingExpired(item.Value())
	})
	go s.pending.Start()
	if notifier != nil {
		s.wake = make(chan struct{}, 1)
		s.stop = make(chan struct{})
		go s.sendNotifications()
	}
	return s, nil
}

// Close leaves the current room and stops background work. The session cannot be used afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.LeaveRoom()
		s.mu.Lock()
		tasks := s.roomTasks
		s.roomTasks = nil
		s.mu.Unlock()
		if tasks != nil {
			// leaving cancelled them, so this is quick
			_ = tasks.Wait()
		}
		s.pending.Stop()
		if s.stop != nil {
			close(s.stop)
		}
		if s.cfg.Registerer != nil {
			s.metrics.unregister(s.cfg.Registerer)
		}
	})
}

// EnterRoom switches the session to roomID. The previous room, if any, is left first. History, the
// live channel, membership and room metadata are fetched concurrently. The call returns as soon as
// history has been applied (or failed): the room is then Ready even if the live channel is still
// connecting, and membership and metadata arrive as notifications. Entering the room which is already
// active and healthy does nothing.
//
// Fetches for the room are not cancelled by ctx, only by leaving the room. If ctx is done before
// history arrives EnterRoom returns ctx.Err() and loading continues in the background.
//
// Returns an *internal.Error of kind NotFound or Transport if history could not be loaded, in which
// case View() reports NotFound or Failed and the live channel is closed. Returns ErrSuperseded if
// another EnterRoom or LeaveRoom happened while this one was in flight.
func (s *Session) EnterRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return internal.NewError(internal.KindValidation, "enter room", fmt.Errorf("missing room ID"))
	}
	ctx = internal.OperationContext(ctx, "enter room")
	start := time.Now()

	s.mu.Lock()
	if s.roomID == roomID && s.isHealthyLocked() {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.epoch++
	epoch := s.epoch
	s.roomID = roomID
	roomCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.roomCancel = cancel
	dialCtx, cancelDial := context.WithCancel(roomCtx)
	s.dialCancel = cancelDial
	g := &errgroup.Group{}
	s.roomTasks = g
	userID := s.userID
	patchSeq := s.patchSeq
	memberSeq := s.beginMembershipCheckLocked()
	s.setViewLocked(Loading)
	s.mu.Unlock()
	s.flush()

	internal.SetContextUserID(roomCtx, userID)
	internal.SetContextRoom(roomCtx, roomID, epoch)
	taskCtx, task := internal.StartTask(roomCtx, "EnterRoom")
	defer task.End()

	handler := &roomHandler{s: s, epoch: epoch}
	historyDone := make(chan error, 1)
	g.Go(func() error {
		items, err := s.loader.Load(taskCtx, roomID)
		err = s.applyHistory(taskCtx, epoch, start, items, err)
		historyDone <- err
		return err
	})
	g.Go(func() error {
		// a failed channel leaves history readable, so it is logged and not returned
		err := s.channel.Open(dialCtx, roomID, handler)
		if err != nil && !errors.Is(err, live.ErrClosed) && !errors.Is(err, context.Canceled) {
			internal.DecorateLogger(roomCtx, logger.Warn()).Err(err).Msg("failed to open live channel")
		}
		return nil
	})
	g.Go(func() error {
		isMember := s.tracker.IsMember(taskCtx, roomID, userID)
		s.applyMembership(epoch, memberSeq, userID, isMember)
		return nil
	})
	g.Go(func() error {
		room, err := s.client.Room(roomCtx, roomID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				internal.DecorateLogger(roomCtx, logger.Warn()).Err(err).Msg("failed to fetch room metadata")
			}
			return nil
		}
		s.applyRoom(epoch, patchSeq, room)
		return nil
	})

	select {
	case err := <-historyDone:
		if err != nil {
			task.Fail(err)
		}
		return err
	case <-ctx.Done():
		task.SetAttributes(attribute.Bool("detached", true))
		return ctx.Err()
	}
}

// applyHistory makes the room Ready with items and any live events buffered while they loaded, or
// marks the room as failed if loadErr is set.
func (s *Session) applyHistory(ctx context.Context, epoch int64, start time.Time, items []timeline.Item, loadErr error) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.metrics.roomEntries.WithLabelValues("superseded").Inc()
		return ErrSuperseded
	}
	roomID := s.roomID
	if loadErr != nil {
		s.buffered = nil
		// an Open which has not started yet must not dial
		s.dialCancel()
		if s.channel.State() != live.Idle {
			s.channel.Close()
			s.publish(&pubsub.ChannelStateChanged{RoomID: roomID, State: s.channel.State().String()})
		}
		outcome := "failed"
		if internal.KindOf(loadErr) == internal.KindNotFound {
			s.setViewLocked(NotFound)
			outcome = "not_found"
		} else {
			s.setViewLocked(Failed)
		}
		s.mu.Unlock()
		s.flush()
		s.metrics.roomEntries.WithLabelValues(outcome).Inc()
		internal.DecorateLogger(ctx, logger.Warn()).Err(loadErr).Msg("failed to load history")
		internal.CaptureTransportError(ctx, loadErr)
		return loadErr
	}
	appended := 0
	for _, item := range items {
		if s.store.Append(item) {
			appended++
		}
	}
	s.metrics.itemsAppended.WithLabelValues("history").Add(float64(appended))
	s.historyApplied = true
	buffered := s.buffered
	s.buffered = nil
	for _, ev := range buffered {
		s.applyEventLocked(ev)
	}
	s.setViewLocked(Ready)
	s.publish(&pubsub.TimelineChanged{RoomID: roomID, Len: s.store.Len()})
	s.mu.Unlock()
	s.flush()
	s.metrics.roomEntries.WithLabelValues("ready").Inc()
	s.metrics.enterDuration.Observe(time.Since(start).Seconds())
	internal.DecorateLogger(ctx, logger.Info()).Int("items", appended).Int("buffered", len(buffered)).Msg("entered room")
	return nil
}

// LeaveRoom tears down the current room: the live channel is closed, the timeline cleared and
// in-flight work for the room is discarded. Safe to call when no room is active.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	if s.roomID == "" && s.view == None {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.epoch++
	s.roomID = ""
	s.setViewLocked(None)
	s.mu.Unlock()
	s.flush()
}

// SetUser changes the identity the session acts as, and recomputes membership for the current room.
func (s *Session) SetUser(ctx context.Context, userID string) {
	s.mu.Lock()
	if s.userID == userID {
		s.mu.Unlock()
		return
	}
	s.userID = userID
	s.setMembershipLocked(false)
	roomID := s.roomID
	epoch := s.epoch
	seq := s.beginMembershipCheckLocked()
	s.mu.Unlock()
	s.flush()
	if roomID == "" || userID == "" {
		return
	}
	isMember := s.tracker.IsMember(ctx, roomID, userID)
	s.applyMembership(epoch, seq, userID, isMember)
}

// teardownLocked releases everything tied to the current room. The caller bumps the epoch.
func (s *Session) teardownLocked() {
	// cancel before closing the channel, so a concurrent Open for the old room cannot win the race
	if s.roomCancel != nil {
		s.roomCancel()
		s.roomCancel = nil
		s.dialCancel = nil
	}
	if s.channel.State() != live.Idle {
		s.channel.Close()
		// Leaving until the leave frame is written
		s.publish(&pubsub.ChannelStateChanged{RoomID: s.roomID, State: s.channel.State().String()})
	}
	if s.store.Len() > 0 {
		s.store.Clear()
		s.publish(&pubsub.TimelineChanged{RoomID: s.roomID})
	}
	s.historyApplied = false
	s.buffered = nil
	s.pending.DeleteAll()
	s.pendingOrder = nil
	s.unconfirmed = nil
	s.setMembershipLocked(false)
	s.room = nil
}

func (s *Session) isHealthyLocked() bool {
	switch s.view {
	case Loading:
		return true
	case Ready:
		st := s.channel.State()
		return st == live.Connecting || st == live.Joined
	}
	return false
}

func (s *Session) beginMembershipCheckLocked() int64 {
	s.memberSeq++
	return s.memberSeq
}

// checkMembership recomputes membership of the current room after a join or leave.
func (s *Session) checkMembership(ctx context.Context, roomID, userID string, epoch int64) {
	s.mu.Lock()
	seq := s.beginMembershipCheckLocked()
	s.mu.Unlock()
	s.applyMembership(epoch, seq, userID, s.tracker.IsMember(ctx, roomID, userID))
}

func (s *Session) applyMembership(epoch, seq int64, userID string, isMember bool) {
	s.mu.Lock()
	if s.epoch != epoch || s.memberSeq != seq || s.userID != userID {
		s.mu.Unlock()
		return
	}
	s.setMembershipLocked(isMember)
	s.mu.Unlock()
	s.flush()
}

func (s *Session) setMembershipLocked(isMember bool) {
	if s.isMember == isMember {
		return
	}
	s.isMember = isMember
	s.publish(&pubsub.MembershipChanged{RoomID: s.roomID, IsMember: isMember})
}

// applyRoom adopts fetched metadata unless the room changed or a local patch was made since the fetch started.
func (s *Session) applyRoom(epoch, patchSeq int64, room *chatapi.Room) {
	s.mu.Lock()
	if s.epoch != epoch || s.patchSeq != patchSeq {
		s.mu.Unlock()
		return
	}
	s.setRoomLocked(room)
	s.mu.Unlock()
	s.flush()
}

func (s *Session) setRoomLocked(room *chatapi.Room) {
	s.room = room
	if room != nil {
		s.publish(&pubsub.RoomChanged{RoomID: s.roomID, Title: room.Title, IsPrivate: room.IsPrivate})
	} else {
		s.publish(&pubsub.RoomChanged{RoomID: s.roomID})
	}
}

func (s *Session) setViewLocked(v View) {
	if s.view == v {
		return
	}
	s.view = v
	s.publish(&pubsub.ViewChanged{RoomID: s.roomID, View: v.String()})
}

// publish queues a notification. Must hold mu.
func (s *Session) publish(p pubsub.Payload) {
	if s.notifier == nil {
		return
	}
	if len(s.outbox) >= maxQueuedNotifications {
		for i, q := range s.outbox {
			if q.Type() == p.Type() {
				s.outbox = slices.Delete(s.outbox, i, i+1)
				break
			}
		}
	}
	s.outbox = append(s.outbox, p)
}

// flush wakes the notification sender. Never blocks.
func (s *Session) flush() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// sendNotifications delivers queued notifications until the session is closed. Notify may block
// until a listener catches up, so this runs on its own goroutine and never holds mu while sending.
func (s *Session) sendNotifications() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			outbox := s.outbox
			s.outbox = nil
			s.mu.Unlock()
			if len(outbox) == 0 {
				break
			}
			for _, p := range outbox {
				select {
				case <-s.stop:
					return
				default:
				}
				if err := s.notifier.Notify(pubsub.ChanSession, p); err != nil {
					logger.Debug().Err(err).Str("payload", p.Type()).Msg("failed to send session notification")
				}
			}
		}
	}
}

// roomHandler receives live channel callbacks for one room epoch.
type roomHandler struct {
	s     *Session
	epoch int64
}

func (h *roomHandler) OnEvent(ev live.Event) {
	s := h.s
	s.mu.Lock()
	if s.epoch != h.epoch || ev.RoomID != s.roomID {
		s.mu.Unlock()
		logger.Trace().Str("room", ev.RoomID).Str("type", ev.Type).Msg("dropping frame for a stale room")
		return
	}
	if !s.historyApplied {
		s.buffered = append(s.buffered, ev)
		s.mu.Unlock()
		return
	}
	if s.applyEventLocked(ev) {
		s.publish(&pubsub.TimelineChanged{RoomID: s.roomID, Len: s.store.Len()})
	}
	s.mu.Unlock()
	s.flush()
}

func (h *roomHandler) OnStateChange(roomID string, state live.State, err error) {
	s := h.s
	s.mu.Lock()
	// the channel of a room whose history failed was closed, and a late dial result is noise
	if s.epoch != h.epoch || s.view == NotFound || s.view == Failed {
		s.mu.Unlock()
		return
	}
	payload :=&pubsub.ChannelStateChanged{RoomID: roomID, State: state.String()}
	if err != nil {
		payload.Err = err.Error()
	}
	s.publish(payload)
	s.mu.Unlock()
	s.flush()
	s.metrics.channelStates.WithLabelValues(state.String()).Inc()
	if state == live.Errored {
		logger.Warn().Err(err).Str("room", roomID).Msg("live channel errored, history remains readable")
	}
}

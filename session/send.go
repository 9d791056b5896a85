package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/slices"

	"github.com/parley-im/roomsync/internal"
	"github.com/parley-im/roomsync/live"
	"github.com/parley-im/roomsync/pubsub"
	"github.com/parley-im/roomsync/timeline"
)

const provisionalPrefix = "local-"

// SendMessage sends content to the current room. The message appears in the timeline immediately
// as Pending, and is replaced in place when the server echoes it back. If no echo arrives within
// the echo wait, it stays in the timeline as Unconfirmed.
//
// Returns a Validation error for blank content, NotMember if the session cannot send right now
// (see CanSend), and Transport if the frame could not be written, in which case the message is
// already Unconfirmed.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return internal.NewError(internal.KindValidation, "send", fmt.Errorf("message is empty"))
	}
	s.mu.Lock()
	if !s.canSendLocked() {
		reason := s.cannotSendReasonLocked()
		s.mu.Unlock()
		return internal.NewError(internal.KindNotMember, "send", errors.New(reason))
	}
	roomID := s.roomID
	userID := s.userID
	provisionalID := provisionalPrefix + uuid.NewString()
	now := time.Now().UTC()
	s.store.Append(&timeline.Message{
		ID:        provisionalID,
		UserID:    userID,
		Username:  timeline.SelfUsername,
		Content:   content,
		CreatedAt: now,
		TxnID:     provisionalID,
		Status:    timeline.Pending,
	})
	s.pending.Set(provisionalID, &pendingSend{
		provisionalID: provisionalID,
		userID:        userID,
		content:       content,
		createdAt:     now,
		epoch:         s.epoch,
	}, ttlcache.DefaultTTL)
	s.pendingOrder = append(s.pendingOrder, provisionalID)
	epoch := s.epoch
	s.publish(&pubsub.TimelineChanged{RoomID: roomID, Len: s.store.Len()})
	s.mu.Unlock()
	s.flush()

	// written without mu, so a stalled socket cannot block readers of the session
	frame, err := live.MessageFrame(roomID, userID, content, now, provisionalID)
	if err == nil {
		err = s.channel.Send(frame)
	}
	if err == nil {
		return nil
	}
	s.mu.Lock()
	if s.epoch == epoch {
		s.pending.Delete(provisionalID)
		s.removePendingLocked(provisionalID)
		s.markUnconfirmedLocked(provisionalID)
		s.publish(&pubsub.TimelineChanged{RoomID: roomID, Len: s.store.Len()})
	}
	s.mu.Unlock()
	s.flush()
	err = internal.NewError(internal.KindTransport, "send", err)
	internal.CaptureTransportError(ctx, err)
	return err
}

// CanSend returns true if SendMessage would try to send.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSendLocked()
}

func (s *Session) canSendLocked() bool {
	return s.cannotSendReasonLocked() == ""
}

func (s *Session) cannotSendReasonLocked() string {
	switch {
	case s.roomID == "":
		return "no room"
	case !s.historyApplied:
		return "room is not loaded"
	case !s.isMember:
		return "not a member of this room"
	case s.channel.State() != live.Joined:
		return "live channel is " + s.channel.State().String()
	}
	return ""
}

// applyEventLocked applies one live frame to the store. Returns true if the store changed.
func (s *Session) applyEventLocked(ev live.Event) bool {
	if ev.Type != live.FrameMessage && ev.Type != live.FrameEvent {
		// presence frames carry nothing for the timeline
		return false
	}
	item, err := timeline.ItemFromRecord(ev.Raw)
	if err != nil {
		ev := logger.Warn()
		if errors.Is(err, timeline.ErrUnknownEventType) {
			ev = logger.Debug()
		}
		ev.Err(err).Str("room", s.roomID).Msg("dropping live frame")
		return false
	}
	if s.store.Has(item.ItemID()) {
		s.metrics.duplicates.Inc()
		return false
	}
	if msg, ok := item.(*timeline.Message); ok {
		if provisionalID, method := s.matchPendingLocked(msg); provisionalID != "" {
			if s.store.ReconcileProvisional(provisionalID, msg.ID, msg.CreatedAt) {
				s.pending.Delete(provisionalID)
				s.removePendingLocked(provisionalID)
				s.metrics.reconciliations.WithLabelValues(method).Inc()
				return true
			}
			internal.Assert("pending send is in the store", false)
		}
	}
	if !s.store.Append(item) {
		return false
	}
	s.metrics.itemsAppended.WithLabelValues("live").Inc()
	return true
}

// matchPendingLocked finds the pending send which msg is the echo of. Echoes carrying a txn_id only
// ever match that send. Otherwise the oldest send by the same user with the same content and a
// close enough timestamp wins.
func (s *Session) matchPendingLocked(msg *timeline.Message) (provisionalID, method string) {
	if msg.TxnID != "" {
		if p := s.livePendingLocked(msg.TxnID); p != nil {
			return p.provisionalID, "txn_id"
		}
		return "", ""
	}
	for _, id := range s.pendingOrder {
		p := s.livePendingLocked(id)
		if p == nil {
			continue
		}
		if p.userID != msg.UserID || p.content != msg.Content {
			continue
		}
		diff := msg.CreatedAt.Sub(p.createdAt)
		if diff < 0 {
			diff = -diff
		}
		if diff <= s.cfg.EchoTolerance {
			return p.provisionalID, "heuristic"
		}
	}
	return "", ""
}

// livePendingLocked returns the pending send for id if it has not expired and belongs to this room.
func (s *Session) livePendingLocked(id string) *pendingSend {
	item := s.pending.Get(id)
	if item == nil || item.IsExpired() {
		return nil
	}
	p := item.Value()
	if p.epoch != s.epoch {
		return nil
	}
	return p
}

func (s *Session) removePendingLocked(id string) {
	i := slices.Index(s.pendingOrder, id)
	if i >= 0 {
		s.pendingOrder = slices.Delete(s.pendingOrder, i, i+1)
	}
}

func (s *Session) markUnconfirmedLocked(id string) {
	if !s.store.MarkUnconfirmed(id) {
		return
	}
	s.unconfirmed = append(s.unconfirmed, id)
	s.metrics.unconfirmed.Inc()
	s.publish(&pubsub.SendUnconfirmed{RoomID: s.roomID, ItemID: id})
}

// onPendingExpired is called when a send was not echoed back within the echo wait.
func (s *Session) onPendingExpired(p *pendingSend) {
	s.mu.Lock()
	if p.epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.removePendingLocked(p.provisionalID)
	before := len(s.unconfirmed)
	s.markUnconfirmedLocked(p.provisionalID)
	if len(s.unconfirmed) != before {
		logger.Info().Str("room", s.roomID).Str("item", p.provisionalID).Msg("message was not echoed back in time")
		s.publish(&pubsub.TimelineChanged{RoomID: s.roomID, Len: s.store.Len()})
	}
	s.mu.Unlock()
	s.flush()
}

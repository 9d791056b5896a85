package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/parley-im/roomsync/chatapi"
	"github.com/parley-im/roomsync/internal"
	"github.com/parley-im/roomsync/live"
	"github.com/parley-im/roomsync/timeline"
)

// JoinRoom makes the user a member of the current room. Already being a member is not an error.
func (s *Session) JoinRoom(ctx context.Context) error {
	roomID, userID, epoch, err := s.currentRoom("join")
	if err != nil {
		return err
	}
	err = s.client.JoinRoom(ctx, roomID)
	var ierr *internal.Error
	if errors.As(err, &ierr) && ierr.StatusCode == 409 {
		err = nil
	}
	if err != nil {
		internal.CaptureTransportError(ctx, err)
		return err
	}
	s.checkMembership(ctx, roomID, userID, epoch)
	return nil
}

// LeaveMembership gives up membership of the current room. The room stays entered.
func (s *Session) LeaveMembership(ctx context.Context) error {
	roomID, userID, epoch, err := s.currentRoom("leave")
	if err != nil {
		return err
	}
	err = s.client.LeaveRoom(ctx, roomID)
	var ierr *internal.Error
	if errors.As(err, &ierr) && ierr.StatusCode == 400 {
		// the server refuses to remove users who are not members
		err = &internal.Error{Kind: internal.KindNotMember, Op: "leave", StatusCode: 400, Err: ierr.Err}
	}
	if err != nil {
		internal.CaptureTransportError(ctx, err)
		return err
	}
	s.checkMembership(ctx, roomID, userID, epoch)
	return nil
}

// UpdateRoomMetadata applies patch to the room locally straight away, then on the server. If the
// server rejects it the local change is reverted, unless a newer patch has been applied since.
func (s *Session) UpdateRoomMetadata(ctx context.Context, patch chatapi.RoomPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.roomID == "" {
		s.mu.Unlock()
		return internal.NewError(internal.KindValidation, "update room", fmt.Errorf("no room"))
	}
	if s.room != nil && !s.canEditLocked() {
		s.mu.Unlock()
		return errNotOwner("update room")
	}
	roomID := s.roomID
	epoch := s.epoch
	previous := s.room
	base := chatapi.Room{ID: roomID}
	if previous != nil {
		base = *previous
	}
	optimistic := patch.Apply(base)
	s.patchSeq++
	seq := s.patchSeq
	s.setRoomLocked(&optimistic)
	s.mu.Unlock()
	s.flush()

	room, err := s.client.UpdateRoom(ctx, roomID, patch)
	err = ownerError("update room", err)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrSuperseded
	}
	if s.patchSeq == seq {
		if err != nil {
			s.setRoomLocked(previous)
		} else {
			s.setRoomLocked(room)
		}
	}
	s.mu.Unlock()
	s.flush()
	if err != nil {
		internal.CaptureTransportError(ctx, err)
	}
	return err
}

// DeleteRoom deletes the current room on the server and leaves it. Only the owner may delete a room,
// see CanEdit. Returns NotMember if the user does not own the room, and NotFound if the room no
// longer exists, in which case the room is torn down and View() reports NotFound.
func (s *Session) DeleteRoom(ctx context.Context) error {
	roomID, userID, epoch, err := s.currentRoom("delete room")
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.room != nil && !s.canEditLocked() {
		s.mu.Unlock()
		return errNotOwner("delete room")
	}
	s.mu.Unlock()

	err = ownerError("delete room", s.client.DeleteRoom(ctx, roomID))
	var ierr *internal.Error
	gone := errors.As(err, &ierr) && ierr.StatusCode == 404

	s.mu.Lock()
	if s.epoch == epoch && (err == nil || gone) {
		s.teardownLocked()
		s.epoch++
		if gone {
			s.setViewLocked(NotFound)
		} else {
			s.roomID = ""
			s.setViewLocked(None)
		}
	}
	s.mu.Unlock()
	s.flush()
	if err != nil {
		internal.CaptureTransportError(ctx, err)
		return err
	}
	logger.Info().Str("room", roomID).Str("u", userID).Msg("deleted room")
	return nil
}

// CanEdit returns true if the user owns the current room, which UpdateRoomMetadata and DeleteRoom
// require. False until the room metadata has been fetched.
func (s *Session) CanEdit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canEditLocked()
}

func (s *Session) canEditLocked() bool {
	return s.roomID != "" && s.userID != "" && s.room != nil && s.room.OwnerID == s.userID
}

func errNotOwner(op string) error {
	return internal.NewError(internal.KindNotMember, op, fmt.Errorf("not the owner of this room"))
}

// ownerError reclassifies the 403 the server sends to non-owners, which would otherwise read as NotFound.
func ownerError(op string, err error) error {
	var ierr *internal.Error
	if errors.As(err, &ierr) && ierr.StatusCode == 403 {
		return &internal.Error{Kind: internal.KindNotMember, Op: op, StatusCode: 403, Err: ierr.Err}
	}
	return err
}

func (s *Session) currentRoom(op string) (roomID, userID string, epoch int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID == "" {
		return "", "", 0, internal.NewError(internal.KindValidation, op, fmt.Errorf("no room"))
	}
	if s.userID == "" {
		return "", "", 0, internal.NewError(internal.KindValidation, op, fmt.Errorf("no user"))
	}
	return s.roomID, s.userID, s.epoch, nil
}

// Timeline returns a copy of the current timeline.
func (s *Session) Timeline() []timeline.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Items()
}

func (s *Session) IsMember() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMember
}

func (s *Session) ChannelState() live.State {
	return s.channel.State()
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Room returns the room metadata, or nil if it has not been fetched.
func (s *Session) Room() *chatapi.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	r := *s.room
	return &r
}

// Unconfirmed returns the IDs of optimistic messages which were never confirmed, oldest first.
func (s *Session) Unconfirmed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unconfirmed...)
}

package live

import (
	"fmt"
	"time"

	"github.com/parley-im/roomsync/timeline"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameMessage = "message"
	FrameEvent   = "event"
)

// Event is one inbound frame.
type Event struct {
	// The room this frame belongs to. Frames without a chat_id are attributed to the room the
	// connection was opened for.
	RoomID string
	Type   string
	// Set on message frames which echo a client transaction ID.
	TxnID string
	Raw   gjson.Result
}

func decodeFrame(data []byte, connRoomID string) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("frame is not valid JSON")
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return Event{}, fmt.Errorf("frame is not a JSON object")
	}
	frameType := r.Get("type").Str
	if frameType == "" {
		return Event{}, fmt.Errorf("frame has no type")
	}
	roomID := r.Get("chat_id").Str
	if roomID == "" {
		roomID = connRoomID
	}
	return Event{
		RoomID: roomID,
		Type:   frameType,
		TxnID:  r.Get("txn_id").Str,
		Raw:    r,
	}, nil
}

func presenceFrame(frameType, roomID string) []byte {
	frame, _ := sjson.SetBytes([]byte(`{}`), "type", frameType)
	frame, _ = sjson.SetBytes(frame, "chat_id", roomID)
	return frame
}

// JoinFrame announces this connection's interest in a room.
func JoinFrame(roomID string) []byte {
	return presenceFrame(FrameJoin, roomID)
}

func LeaveFrame(roomID string) []byte {
	return presenceFrame(FrameLeave, roomID)
}

// MessageFrame builds an outbound message. txnID is echoed back by servers which support it.
func MessageFrame(roomID, userID, content string, createdAt time.Time, txnID string) ([]byte, error) {
	frame, err := sjson.SetBytes([]byte(`{"type":"message"}`), "chat_id", roomID)
	if err == nil {
		frame, err = sjson.SetBytes(frame, "user_id", userID)
	}
	if err == nil {
		frame, err = sjson.SetBytes(frame, "content", content)
	}
	if err == nil {
		frame, err = sjson.SetBytes(frame, "created_at", timeline.FormatTime(createdAt))
	}
	if err == nil && txnID != "" {
		frame, err = sjson.SetBytes(frame, "txn_id", txnID)
	}
	if err != nil {
		return nil, fmt.Errorf("MessageFrame: %w", err)
	}
	return frame, nil
}

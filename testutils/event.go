package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

var (
	itemIDCounter = 0
	itemIDMu      sync.Mutex
)

func generateItemID(prefix string) string {
	itemIDMu.Lock()
	defer itemIDMu.Unlock()
	itemIDCounter++
	return fmt.Sprintf("%s_%d", prefix, itemIDCounter)
}

// Timestamp returns a deterministic time n seconds after a fixed base, for ordering assertions.
func Timestamp(n int) time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Second)
}

type MessageOpt func(m map[string]interface{})

// WithMessageID overrides the generated message ID.
func WithMessageID(id string) MessageOpt {
	return func(m map[string]interface{}) {
		m["message_id"] = id
	}
}

// WithTxnID sets the client transaction ID which the server echoes back.
func WithTxnID(txnID string) MessageOpt {
	return func(m map[string]interface{}) {
		m["txn_id"] = txnID
	}
}

// NewMessageRecord makes a history record for a message.
func NewMessageRecord(t *testing.T, userID, username, content string, createdAt time.Time, opts ...MessageOpt) json.RawMessage {
	t.Helper()
	rec := map[string]interface{}{
		"item_type":  "message",
		"message_id": generateItemID("msg"),
		"user_id":    userID,
		"content":    content,
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
		"user": map[string]interface{}{
			"user_id":  userID,
			"username": username,
			"is_admin": false,
		},
	}
	for _, opt := range opts {
		opt(rec)
	}
	return marshal(t, rec)
}

// NewEventRecord makes a history record for a membership event. altered may be empty.
func NewEventRecord(t *testing.T, eventType, actor, altered string, createdAt time.Time) json.RawMessage {
	t.Helper()
	rec := map[string]interface{}{
		"item_type":  "event",
		"event_id":   generateItemID("ev"),
		"event_type": eventType,
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
		"user": map[string]interface{}{
			"username": actor,
		},
	}
	if altered != "" {
		rec["altered_user"] = map[string]interface{}{
			"username": altered,
		}
	} else {
		rec["altered_user"] = nil
	}
	return marshal(t, rec)
}

// NewMessageFrame makes a live channel message frame as the server broadcasts it. roomID may be
// empty, in which case the frame omits chat_id like the real server does.
func NewMessageFrame(t *testing.T, roomID, userID, username, content string, createdAt time.Time, opts ...MessageOpt) json.RawMessage {
	t.Helper()
	frame := map[string]interface{}{
		"type":       "message",
		"message_id": generateItemID("msg"),
		"user_id":    userID,
		"username":   username,
		"content":    content,
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
	}
	if roomID != "" {
		frame["chat_id"] = roomID
	}
	for _, opt := range opts {
		opt(frame)
	}
	return marshal(t, frame)
}

// NewEventFrame makes a live channel membership event frame.
func NewEventFrame(t *testing.T, roomID, eventType, actor string, createdAt time.Time) json.RawMessage {
	t.Helper()
	frame := map[string]interface{}{
		"type":       "event",
		"chat_id":    roomID,
		"event_id":   generateItemID("ev"),
		"event_type": eventType,
		"username":   actor,
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
	}
	return marshal(t, frame)
}

func marshal(t *testing.T, in interface{}) json.RawMessage {
	t.Helper()
	j, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("failed to make record JSON: %s", err)
	}
	return j
}

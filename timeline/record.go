package timeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrUnknownItemType  = errors.New("unknown item type")
	ErrMissingID        = errors.New("record has no ID")
)

// the server spells "left" as "leaved" in its event type enum
var eventTypes = map[string]EventKind{
	"joined":  EventJoined,
	"leaved":  EventLeft,
	"left":    EventLeft,
	"created": EventCreated,
	"added":   EventAdded,
	"removed": EventRemoved,
}

// timestamps are usually RFC3339, but the server serialises naive datetimes without a zone
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ItemFromRecord converts a history record or a live frame into a timeline item.
//
// History records look like:
//
//	{"item_type":"message","message_id":"..","user_id":"..","content":"..","created_at":"..","user":{"username":".."}}
//	{"item_type":"event","event_id":"..","event_type":"added","created_at":"..","user":{"username":".."},"altered_user":{"username":".."}}
//
// Live frames use "type" instead of "item_type" and may carry a flat "username".
// Returns ErrUnknownEventType for event types this client does not understand: callers are expected
// to drop these records rather than fail.
func ItemFromRecord(r gjson.Result) (Item, error) {
	itemType := r.Get("item_type").Str
	if itemType == "" {
		itemType = r.Get("type").Str
	}
	switch itemType {
	case "message":
		return messageFromRecord(r)
	case "event":
		return eventFromRecord(r)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownItemType, itemType)
}

func messageFromRecord(r gjson.Result) (*Message, error) {
	id := r.Get("message_id").Str
	if id == "" {
		return nil, fmt.Errorf("message: %w", ErrMissingID)
	}
	username := r.Get("user.username").Str
	if username == "" {
		username = r.Get("username").Str
	}
	createdAt, err := ParseTime(r.Get("created_at"))
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return &Message{
		ID:        id,
		UserID:    r.Get("user_id").Str,
		Username:  username,
		Content:   r.Get("content").Str,
		CreatedAt: createdAt,
		TxnID:     r.Get("txn_id").Str,
		Status:    Confirmed,
	}, nil
}

func eventFromRecord(r gjson.Result) (*Event, error) {
	id := r.Get("event_id").Str
	if id == "" {
		return nil, fmt.Errorf("event: %w", ErrMissingID)
	}
	rawType := r.Get("event_type").Str
	kind, ok := eventTypes[rawType]
	if !ok {
		return nil, fmt.Errorf("event %s: %w: %q", id, ErrUnknownEventType, rawType)
	}
	actor := r.Get("user.username").Str
	if actor == "" {
		actor = r.Get("username").Str
	}
	ev := &Event{
		ID:            id,
		Kind:          kind,
		ActorUsername: actor,
	}
	if kind.HasTarget() {
		ev.TargetUsername = r.Get("altered_user.username").Str
		if ev.TargetUsername == "" {
			ev.TargetUsername = r.Get("altered_username").Str
		}
	}
	if ts := r.Get("created_at"); ts.Exists() {
		createdAt, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", id, err)
		}
		ev.CreatedAt = createdAt
	}
	return ev, nil
}

// ParseTime parses a wire timestamp. Strings are RFC3339 or zone-less ISO8601 (assumed UTC),
// numbers are unix milliseconds.
func ParseTime(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), nil
	case gjson.String:
		for _, layout := range timeLayouts {
			t, err := time.Parse(layout, v.Str)
			if err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", v.Str)
	}
	return time.Time{}, fmt.Errorf("missing timestamp")
}

// FormatTime is the inverse of ParseTime for outbound frames.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

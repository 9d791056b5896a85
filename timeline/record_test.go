package timeline_test

import (
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/parley-im/roomsync/testutils"
	"github.com/parley-im/roomsync/timeline"
)

func TestItemFromRecordMessage(t *testing.T) {
	ts := testutils.Timestamp(5)
	rec := testutils.NewMessageRecord(t, "@alice", "alice", "hi there", ts, testutils.WithMessageID("m42"))
	item, err := timeline.ItemFromRecord(gjson.ParseBytes(rec))
	if err != nil {
		t.Fatalf("ItemFromRecord: %s", err)
	}
	msg, ok := item.(*timeline.Message)
	if !ok {
		t.Fatalf("ItemFromRecord: got %T want *timeline.Message", item)
	}
	if msg.ID != "m42" || msg.UserID != "@alice" || msg.Username != "alice" || msg.Content != "hi there" {
		t.Errorf("ItemFromRecord: wrong fields %+v", msg)
	}
	if !msg.CreatedAt.Equal(ts) {
		t.Errorf("ItemFromRecord: created_at got %v want %v", msg.CreatedAt, ts)
	}
	if msg.Status != timeline.Confirmed {
		t.Errorf("ItemFromRecord: status got %v want confirmed", msg.Status)
	}
}

func TestItemFromRecordLiveFrame(t *testing.T) {
	frame := testutils.NewMessageFrame(t, "", "@bob", "bob", "yo", testutils.Timestamp(1), testutils.WithTxnID("txn-1"))
	item, err := timeline.ItemFromRecord(gjson.ParseBytes(frame))
	if err != nil {
		t.Fatalf("ItemFromRecord: %s", err)
	}
	msg := item.(*timeline.Message)
	if msg.Username != "bob" {
		t.Errorf("flat username: got %q want bob", msg.Username)
	}
	if msg.TxnID != "txn-1" {
		t.Errorf("txn_id: got %q want txn-1", msg.TxnID)
	}
}

func TestItemFromRecordEvents(t *testing.T) {
	testCases := []struct {
		eventType  string
		actor      string
		altered    string
		wantKind   timeline.EventKind
		wantTarget string
		wantString string
	}{
		{"joined", "bob", "", timeline.EventJoined, "", "bob joined chat"},
		{"leaved", "bob", "", timeline.EventLeft, "", "bob left chat"},
		{"left", "bob", "", timeline.EventLeft, "", "bob left chat"},
		{"created", "alice", "", timeline.EventCreated, "", "alice created chat"},
		{"added", "alice", "carol", timeline.EventAdded, "carol", "alice added carol"},
		{"removed", "alice", "carol", timeline.EventRemoved, "carol", "alice removed carol"},
	}
	for _, tc := range testCases {
		t.Run(tc.eventType, func(t *testing.T) {
			rec := testutils.NewEventRecord(t, tc.eventType, tc.actor, tc.altered, testutils.Timestamp(1))
			item, err := timeline.ItemFromRecord(gjson.ParseBytes(rec))
			if err != nil {
				t.Fatalf("ItemFromRecord: %s", err)
			}
			ev, ok := item.(*timeline.Event)
			if !ok {
				t.Fatalf("got %T want *timeline.Event", item)
			}
			if ev.Kind != tc.wantKind {
				t.Errorf("kind: got %v want %v", ev.Kind, tc.wantKind)
			}
			if ev.ActorUsername != tc.actor {
				t.Errorf("actor: got %q want %q", ev.ActorUsername, tc.actor)
			}
			if ev.TargetUsername != tc.wantTarget {
				t.Errorf("target: got %q want %q", ev.TargetUsername, tc.wantTarget)
			}
			if ev.String() != tc.wantString {
				t.Errorf("String(): got %q want %q", ev.String(), tc.wantString)
			}
		})
	}
}

func TestItemFromRecordRejects(t *testing.T) {
	testCases := []struct {
		name    string
		record  string
		wantErr error
	}{
		{
			name:    "unknown event type",
			record:  `{"item_type":"event","event_id":"e1","event_type":"renamed","created_at":"2024-05-01T12:00:00Z"}`,
			wantErr: timeline.ErrUnknownEventType,
		},
		{
			name:    "unknown item type",
			record:  `{"item_type":"reaction","reaction_id":"r1"}`,
			wantErr: timeline.ErrUnknownItemType,
		},
		{
			name:    "message without id",
			record:  `{"item_type":"message","content":"hi","created_at":"2024-05-01T12:00:00Z"}`,
			wantErr: timeline.ErrMissingID,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := timeline.ItemFromRecord(gjson.Parse(tc.record))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ItemFromRecord: got %v want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 15, 250000000, time.UTC)
	testCases := []struct {
		name string
		json string
	}{
		{"rfc3339", `"2024-05-01T12:30:15.25Z"`},
		{"rfc3339 with offset", `"2024-05-01T14:30:15.25+02:00"`},
		{"naive", `"2024-05-01T12:30:15.250000"`},
		{"naive with space", `"2024-05-01 12:30:15.25"`},
		{"unix millis", `1714566615250`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := timeline.ParseTime(gjson.Parse(tc.json))
			if err != nil {
				t.Fatalf("ParseTime(%s): %s", tc.json, err)
			}
			if !got.Equal(want) {
				t.Errorf("ParseTime(%s): got %v want %v", tc.json, got, want)
			}
		})
	}
	if _, err := timeline.ParseTime(gjson.Parse(`"yesterday"`)); err == nil {
		t.Errorf("ParseTime(yesterday): want error")
	}
}

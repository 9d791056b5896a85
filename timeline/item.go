package timeline

import (
	"fmt"
	"time"
)

// SelfUsername is the username given to optimistically echoed messages sent by this client.
const SelfUsername = "self"

// Item is one entry in a room timeline: either a *Message or an *Event.
type Item interface {
	ItemID() string
	Created() time.Time
}

type Status int

const (
	// Confirmed items came from the server, or were provisional and have been reconciled.
	Confirmed Status = iota
	// Pending items are optimistic echoes waiting for the server to echo them back.
	Pending
	// Unconfirmed items are optimistic echoes which were never echoed back in time, or whose
	// send failed. They stay visible but are never promoted.
	Unconfirmed
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Pending:
		return "pending"
	case Unconfirmed:
		return "unconfirmed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

type Message struct {
	ID        string
	UserID    string
	Username  string
	Content   string
	CreatedAt time.Time
	// TxnID is set on provisional messages, and on server echoes which carry the client token back.
	TxnID  string
	Status Status
}

func (m *Message) ItemID() string     { return m.ID }
func (m *Message) Created() time.Time { return m.CreatedAt }

type EventKind string

const (
	EventJoined  EventKind = "joined"
	EventLeft    EventKind = "left"
	EventCreated EventKind = "created"
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
)

// HasTarget returns true if events of this kind act upon another user.
func (k EventKind) HasTarget() bool {
	return k == EventAdded || k == EventRemoved
}

type Event struct {
	ID            string
	Kind          EventKind
	ActorUsername string
	// Only set for EventAdded and EventRemoved
	TargetUsername string
	CreatedAt      time.Time
}

func (e *Event) ItemID() string     { return e.ID }
func (e *Event) Created() time.Time { return e.CreatedAt }

// String renders the event the way the room view shows it e.g "alice added bob", "alice joined chat"
func (e *Event) String() string {
	target := "chat"
	if e.Kind.HasTarget() && e.TargetUsername != "" {
		target = e.TargetUsername
	}
	return fmt.Sprintf("%s %s %s", e.ActorUsername, e.Kind, target)
}

// copyItem returns a shallow copy so callers of Items() cannot mutate the store.
func copyItem(it Item) Item {
	switch v := it.(type) {
	case *Message:
		m := *v
		return &m
	case *Event:
		e := *v
		return &e
	}
	return it
}

package timeline

import (
	"time"

	"github.com/parley-im/roomsync/internal"
	"golang.org/x/exp/slices"
)

// Store is an append-only, deduplicated sequence of timeline items for a single room.
// Items are kept in arrival order and are never re-sorted: callers append history first
// (already sorted by creation time) and then live items as they arrive.
//
// Store is not safe for concurrent use. The session serialises all access.
type Store struct {
	items []Item
	// item ID -> index in items
	index map[string]int
}

func NewStore() *Store {
	return &Store{
		index: make(map[string]int),
	}
}

// Append the item to the end of the timeline. Returns false and does nothing if an item with
// the same ID already exists.
func (s *Store) Append(item Item) bool {
	id := item.ItemID()
	internal.Assert("timeline item has an ID", id != "")
	if _, exists := s.index[id]; exists {
		return false
	}
	s.index[id] = len(s.items)
	s.items = append(s.items, item)
	return true
}

// Clear removes every item. Called once per room switch.
func (s *Store) Clear() {
	s.items = nil
	s.index = make(map[string]int)
}

func (s *Store) Len() int {
	return len(s.items)
}

func (s *Store) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Get returns a copy of the item with this ID, or nil.
func (s *Store) Get(id string) Item {
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	return copyItem(s.items[i])
}

// Items returns a snapshot of the timeline in order.
func (s *Store) Items() []Item {
	out := slices.Clone(s.items)
	for i := range out {
		out[i] = copyItem(out[i])
	}
	return out
}

// ReconcileProvisional replaces the ID and timestamp of a provisional message with the values
// the server assigned, without changing its position. Returns false if the provisional ID is
// unknown, does not refer to a message, or if finalID is already in the timeline.
func (s *Store) ReconcileProvisional(provisionalID, finalID string, finalCreatedAt time.Time) bool {
	i, ok := s.index[provisionalID]
	if !ok {
		return false
	}
	msg, ok := s.items[i].(*Message)
	if !ok {
		return false
	}
	if finalID != provisionalID {
		if _, exists := s.index[finalID]; exists {
			return false
		}
	}
	delete(s.index, provisionalID)
	msg.ID = finalID
	msg.CreatedAt = finalCreatedAt
	msg.Status = Confirmed
	s.index[finalID] = i
	return true
}

// MarkUnconfirmed flags a pending message as never confirmed by the server. Returns false if
// there is no pending message with this ID.
func (s *Store) MarkUnconfirmed(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	msg, ok := s.items[i].(*Message)
	if !ok || msg.Status != Pending {
		return false
	}
	msg.Status = Unconfirmed
	return true
}

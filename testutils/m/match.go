package m

import (
	"fmt"
	"strings"
	"testing"

	"github.com/parley-im/roomsync/timeline"
)

type TimelineMatcher func(items []timeline.Item) error
type ItemMatcher func(item timeline.Item) error

const AnsiRedForeground = "\x1b[31m"
const AnsiResetForeground = "\x1b[39m"

// LogTimeline builds a matcher that always succeeds. As a side-effect, it pretty-prints
// the given timeline to the test log. This is useful when debugging a test.
func LogTimeline(t *testing.T) TimelineMatcher {
	return func(items []timeline.Item) error {
		t.Logf("Timeline was:\n%s", dump(items))
		return nil
	}
}

func MatchLength(n int) TimelineMatcher {
	return func(items []timeline.Item) error {
		if len(items) != n {
			return fmt.Errorf("MatchLength: got %d items want %d", len(items), n)
		}
		return nil
	}
}

// MatchItemIDs checks the timeline contains exactly these item IDs, in this order.
func MatchItemIDs(ids ...string) TimelineMatcher {
	return func(items []timeline.Item) error {
		if len(items) != len(ids) {
			return fmt.Errorf("MatchItemIDs: got %d items want %d", len(items), len(ids))
		}
		for i := range ids {
			if items[i].ItemID() != ids[i] {
				return fmt.Errorf("MatchItemIDs: [%d] got %s want %s", i, items[i].ItemID(), ids[i])
			}
		}
		return nil
	}
}

// MatchContents checks the timeline is made of messages with these contents, in this order.
func MatchContents(contents ...string) TimelineMatcher {
	return func(items []timeline.Item) error {
		if len(items) != len(contents) {
			return fmt.Errorf("MatchContents: got %d items want %d", len(items), len(contents))
		}
		for i := range contents {
			msg, ok := items[i].(*timeline.Message)
			if !ok {
				return fmt.Errorf("MatchContents: [%d] is not a message: %T", i, items[i])
			}
			if msg.Content != contents[i] {
				return fmt.Errorf("MatchContents: [%d] got %q want %q", i, msg.Content, contents[i])
			}
		}
		return nil
	}
}

func MatchNoDuplicates() TimelineMatcher {
	return func(items []timeline.Item) error {
		seen := make(map[string]int, len(items))
		for i, it := range items {
			if j, exists := seen[it.ItemID()]; exists {
				return fmt.Errorf("MatchNoDuplicates: %s at %d and %d", it.ItemID(), j, i)
			}
			seen[it.ItemID()] = i
		}
		return nil
	}
}

func MatchItemAt(index int, matchers ...ItemMatcher) TimelineMatcher {
	return func(items []timeline.Item) error {
		if index >= len(items) {
			return fmt.Errorf("MatchItemAt: index %d out of range, have %d items", index, len(items))
		}
		for _, m := range matchers {
			if err := m(items[index]); err != nil {
				return fmt.Errorf("MatchItemAt[%d]: %s", index, err)
			}
		}
		return nil
	}
}

// MatchLastItem is like MatchItemAt for the final item.
func MatchLastItem(matchers ...ItemMatcher) TimelineMatcher {
	return func(items []timeline.Item) error {
		if len(items) == 0 {
			return fmt.Errorf("MatchLastItem: timeline is empty")
		}
		return MatchItemAt(len(items)-1, matchers...)(items)
	}
}

func MatchItemID(id string) ItemMatcher {
	return func(item timeline.Item) error {
		if item.ItemID() != id {
			return fmt.Errorf("MatchItemID: got %s want %s", item.ItemID(), id)
		}
		return nil
	}
}

func MatchContent(content string) ItemMatcher {
	return func(item timeline.Item) error {
		msg, ok := item.(*timeline.Message)
		if !ok {
			return fmt.Errorf("MatchContent: not a message: %T", item)
		}
		if msg.Content != content {
			return fmt.Errorf("MatchContent: got %q want %q", msg.Content, content)
		}
		return nil
	}
}

func MatchStatus(status timeline.Status) ItemMatcher {
	return func(item timeline.Item) error {
		msg, ok := item.(*timeline.Message)
		if !ok {
			return fmt.Errorf("MatchStatus: not a message: %T", item)
		}
		if msg.Status != status {
			return fmt.Errorf("MatchStatus: got %v want %v", msg.Status, status)
		}
		return nil
	}
}

func MatchUsername(username string) ItemMatcher {
	return func(item timeline.Item) error {
		msg, ok := item.(*timeline.Message)
		if !ok {
			return fmt.Errorf("MatchUsername: not a message: %T", item)
		}
		if msg.Username != username {
			return fmt.Errorf("MatchUsername: got %q want %q", msg.Username, username)
		}
		return nil
	}
}

// MatchEvent checks the item is a membership event of this kind by this actor. target may be empty.
func MatchEvent(kind timeline.EventKind, actor, target string) ItemMatcher {
	return func(item timeline.Item) error {
		ev, ok := item.(*timeline.Event)
		if !ok {
			return fmt.Errorf("MatchEvent: not an event: %T", item)
		}
		if ev.Kind != kind {
			return fmt.Errorf("MatchEvent: kind got %s want %s", ev.Kind, kind)
		}
		if ev.ActorUsername != actor {
			return fmt.Errorf("MatchEvent: actor got %q want %q", ev.ActorUsername, actor)
		}
		if ev.TargetUsername != target {
			return fmt.Errorf("MatchEvent: target got %q want %q", ev.TargetUsername, target)
		}
		return nil
	}
}

func MatchTimeline(t *testing.T, items []timeline.Item, matchers ...TimelineMatcher) {
	t.Helper()
	for _, m := range matchers {
		if err := m(items); err != nil {
			t.Errorf("%vMatchTimeline: %s\n%s%v", AnsiRedForeground, err, dump(items), AnsiResetForeground)
		}
	}
}

func dump(items []timeline.Item) string {
	var sb strings.Builder
	for i, it := range items {
		switch v := it.(type) {
		case *timeline.Message:
			fmt.Fprintf(&sb, "  [%d] message %s %s: %q (%s) @ %s\n", i, v.ID, v.Username, v.Content, v.Status, v.CreatedAt.Format("15:04:05.000"))
		case *timeline.Event:
			fmt.Fprintf(&sb, "  [%d] event %s %s @ %s\n", i, v.ID, v.String(), v.CreatedAt.Format("15:04:05.000"))
		default:
			fmt.Fprintf(&sb, "  [%d] %T %s\n", i, it, it.ItemID())
		}
	}
	return sb.String()
}
